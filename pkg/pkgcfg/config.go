// Package pkgcfg holds the tunables the core needs at startup: worker
// counts, debounce/reset timings, and default transfer timeouts. It
// follows the teacher repo's preference for plain structs with
// functional options over an external configuration framework.
package pkgcfg

import "time"

// Config collects the tunables for a running core instance.
type Config struct {
	// IPCWorkers is the number of worker goroutines the IPC gateway
	// starts (spec §5, default N = 2-3). Driver requests are handled on
	// each connection's own goroutine, not by these workers.
	IPCWorkers int

	// SchedulerTick is how often the per-HCD scheduler wakes to check
	// URB timeouts (spec §4.4, 100ms).
	SchedulerTick time.Duration

	// DebounceSample is the port-status sampling interval during
	// debounce (spec §4.7, 25ms).
	DebounceSample time.Duration

	// DebounceStable is how long the connection bit must stay stable
	// before a port is considered connected (spec §4.7, 100ms).
	DebounceStable time.Duration

	// DebounceTimeout is the overall debounce giveup window (spec
	// §4.7, 1500ms).
	DebounceTimeout time.Duration

	// ResetRetries is the number of SET_FEATURE(RESET)/C_RESET polls
	// attempted before a reset is declared failed (spec §4.7, 5).
	ResetRetries int

	// ResetPollInterval is the delay between reset-completion polls
	// (spec §4.7, 100ms).
	ResetPollInterval time.Duration

	// EnumerationAttempts is the total number of full addressing
	// attempts made before the port is marked failed (spec §4.7
	// and §7, 3).
	EnumerationAttempts int

	// DefaultTransferTimeout bounds each addressing and configuration
	// step of the hub state machine. The transfer engine does not apply
	// it: a URB submitted with a zero Deadline has no timeout.
	DefaultTransferTimeout time.Duration

	// MaxHubPorts caps the number of downstream ports a hub descriptor
	// may report (spec §4.7, 15).
	MaxHubPorts int

	// SymlinkRoot is the directory stable driver-binding symlinks are
	// created under (spec §6.3, conventionally "/dev").
	SymlinkRoot string

	// RegistryStorePath names a bbolt database file for persisting
	// driver filter registrations (see SPEC_FULL.md §3). No package in
	// this module reads it: core.New takes an already-opened
	// registry.Store instead.
	RegistryStorePath string
}

// Option mutates a Config during construction.
type Option func(*Config)

// Default returns the configuration spec.md's defaults describe.
func Default() Config {
	return Config{
		IPCWorkers:             2,
		SchedulerTick:          100 * time.Millisecond,
		DebounceSample:         25 * time.Millisecond,
		DebounceStable:         100 * time.Millisecond,
		DebounceTimeout:        1500 * time.Millisecond,
		ResetRetries:           5,
		ResetPollInterval:      100 * time.Millisecond,
		EnumerationAttempts:    3,
		DefaultTransferTimeout: 5 * time.Second,
		MaxHubPorts:            15,
		SymlinkRoot:            "/dev",
	}
}

// New builds a Config from Default with the given options applied.
func New(opts ...Option) Config {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithIPCWorkers overrides the IPC worker pool size.
func WithIPCWorkers(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.IPCWorkers = n
		}
	}
}

// WithSymlinkRoot overrides the stable-path symlink root (spec §6.3).
func WithSymlinkRoot(root string) Option {
	return func(c *Config) { c.SymlinkRoot = root }
}

// WithRegistryStore sets RegistryStorePath to the given bbolt database
// path.
func WithRegistryStore(path string) Option {
	return func(c *Config) { c.RegistryStorePath = path }
}

// WithDefaultTransferTimeout overrides DefaultTransferTimeout.
func WithDefaultTransferTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.DefaultTransferTimeout = d
		}
	}
}
