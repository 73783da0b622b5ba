// Package pipebroker implements the per-driver pipe table described in
// specification §4.5: opening a pipe clones a device's control pipe or
// matches an interface's endpoint descriptors by type and direction,
// binding the result to the requesting driver's identity. Closing a
// pipe releases it from the table and asks the owning HCD to discard
// any per-pipe scheduling state it attached.
//
// It generalizes the teacher's host/transfer.go Pipe (a bidirectional
// in/out endpoint pair owned directly by one Device, with NewPipe called
// ad hoc by whoever needed one) into a broker shared by every driver,
// keyed by an opaque handle rather than held as a field on Device, since
// multiple drivers may now open independent pipes against endpoints of
// the same device.
package pipebroker
