// Package hcd defines the host controller driver contract (specification
// §6.1): the boundary between this repository's core (device tree,
// transfer engine, hub state machine) and whatever actually drives a
// real or simulated USB host controller.
//
// The contract is deliberately asynchronous and callback-driven, the way
// real host controller hardware is: TransferEnqueue returns as soon as
// the HCD has accepted a URB, and completion arrives later through
// CompletionSink.OnComplete, usually from an interrupt-handler-adjacent
// goroutine. This generalizes the teacher's synchronous host/hal.HostHAL
// interface (ControlTransfer/BulkTransfer/... block until done) into the
// async submit/complete split a real HCD needs and a simulated one can
// still trivially implement by calling the callback before returning
// from enqueue.
//
// No HCD implementation here drives real register-level hardware;
// hcd/simhcd is an in-memory simulator for tests and hcd/linux is a
// usbfs/ioctl bridge to the host kernel's own USB stack, which already
// does the register-level work.
package hcd
