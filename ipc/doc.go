// Package ipc implements the driver-facing Gateway of specification
// §6.2: a well-known filesystem node drivers connect to, a single
// framed message protocol (tag DevCtl, one-byte discriminator) for
// connect/open/urb/urbcmd/alloc/free/devdesc requests, and the stable
// symlink management of §6.3.
//
// It generalizes the teacher's host/hal/fifo.go protocol — a
// one-byte-type, length-prefixed header followed by a fixed-size
// payload, read and written against named pipes with fixed txBuf/rxBuf
// scratch buffers — into the same framing read over a Unix domain
// socket, the idiomatic Go stand-in for "a well-known filesystem node"
// that a standard library listener can serve directly instead of the
// teacher's hand-rolled FIFO directory polling.
package ipc
