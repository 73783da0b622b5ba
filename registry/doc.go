// Package registry implements the driver registry of specification
// §4.6: drivers register a set of filters and a transport kind,
// devices and interfaces are matched against those filters by a
// bit-set score, and the winner is bound. Unregistering a driver
// removes its record; interfaces bound to it keep their binding and are
// not added back to the orphan list.
//
// The teacher has no driver concept of its own (host/host.go binds
// every connected device to its own fixed Device/Pipe types directly);
// this package is new, built in the teacher's style (explicit structs,
// sync.Mutex-guarded tables, slog-based logging) rather than adapted
// from an existing teacher file. It adds the orphan rescan on
// registration that the distilled specification calls out as optional
// but this implementation requires (see DESIGN.md).
package registry
