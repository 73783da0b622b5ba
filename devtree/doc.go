// Package devtree holds the core device model: descriptors, devices,
// pipes, and the tree that tracks how everything currently attached to
// every host controller is wired together (specification §3, §4.3).
//
// Descriptor parsing is adapted from the teacher's host/constants.go
// (ParseDeviceDescriptor, ParseConfigurationDescriptor, and friends);
// the tree itself and the nibble-packed location-ID addressing scheme
// are new, since the teacher tracked at most one flat array of devices
// off a single HAL and never modeled hub topology.
package devtree
