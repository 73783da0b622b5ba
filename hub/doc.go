// Package hub implements the enumeration / hub state machine of
// specification §4.7: one goroutine per Manager (one Manager per HCD)
// serializes the port events of its root hub and every downstream hub,
// debounces connections, resets newly attached devices,
// assigns addresses, walks configuration descriptors, and (for
// downstream hubs) recurses into the hub's own port set.
//
// It generalizes the teacher's host/enumeration.go enumerateDevice
// (one synchronous function doing reset, address, descriptor-walk,
// string-fetch, SetConfiguration in a straight line against a single
// hal.HostHAL) into an explicit per-port finite state machine driven
// by asynchronous port events from any number of root hubs and
// downstream hubs, since the teacher never modeled more than a root
// hub's own ports.
package hub
