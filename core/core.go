// Package core wires the eight module packages of this repository into
// one running USB host stack: it is the generalization of the
// teacher's host.Host, the single type an embedder constructs, starts,
// and stops, except that it now owns one transfer.Engine and
// hub.Manager per attached host controller instead of the teacher's
// single hal.HostHAL.
package core

import (
	"context"
	"sync"

	"github.com/ardnew/usbhostcore/addralloc"
	"github.com/ardnew/usbhostcore/bufpool"
	"github.com/ardnew/usbhostcore/devtree"
	"github.com/ardnew/usbhostcore/hcd"
	"github.com/ardnew/usbhostcore/hub"
	"github.com/ardnew/usbhostcore/ipc"
	"github.com/ardnew/usbhostcore/pipebroker"
	"github.com/ardnew/usbhostcore/pkg/pkgcfg"
	"github.com/ardnew/usbhostcore/pkg/pkgerr"
	"github.com/ardnew/usbhostcore/pkg/pkglog"
	"github.com/ardnew/usbhostcore/registry"
	"github.com/ardnew/usbhostcore/transfer"
)

// hcdEntry bundles one host controller's engine and hub manager.
type hcdEntry struct {
	h    hcd.HCD
	xfer *transfer.Engine
	mgr  *hub.Manager
}

// Core owns every shared instance a running host stack needs: one
// device tree, address allocator, pipe broker, and driver registry
// shared by every attached host controller, plus one transfer.Engine
// and hub.Manager per controller.
type Core struct {
	cfg pkgcfg.Config

	Tree   *devtree.Tree
	Addrs  *addralloc.Allocator
	Pipes  *pipebroker.Broker
	Reg    *registry.Registry
	Pool   *bufpool.Pool

	mu      sync.Mutex
	hcds    map[uint8]*hcdEntry
	gateway *ipc.Gateway

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New builds a Core from cfg. store persists driver registrations
// across restarts (specification §4.6); pass nil to disable.
func New(cfg pkgcfg.Config, store registry.Store) *Core {
	return &Core{
		cfg:   cfg,
		Tree:  devtree.NewTree(),
		Addrs: addralloc.New(),
		Pipes: pipebroker.New(),
		Reg:   registry.New(store),
		Pool:  bufpool.New(),
		hcds:  make(map[uint8]*hcdEntry),
	}
}

// AddHCD attaches a host controller to this core, building its
// transfer.Engine and hub.Manager. Must be called before Start.
func (c *Core) AddHCD(h hcd.HCD) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return pkgerr.ErrAlreadyRunning
	}
	ordinal := h.Ordinal()
	if _, exists := c.hcds[ordinal]; exists {
		return pkgerr.ErrAlreadyRegistered
	}

	xfer := transfer.NewEngine(h, c.cfg.SchedulerTick)
	mgr := hub.New(c.cfg, c.Tree, xfer, c.Pipes, c.Addrs, c.Reg, h)
	xfer.SetPortEventSink(mgr)

	c.hcds[ordinal] = &hcdEntry{h: h, xfer: xfer, mgr: mgr}
	return nil
}

// Start brings every attached HCD's transfer engine online, opens the
// driver registration window, and only then starts every hub manager,
// implementing the registration-race decision recorded in DESIGN.md:
// no enumeration event is processed until the registry's Ready gate
// has fired, so every driver an embedder registers before calling
// Start is guaranteed a chance to claim the first device it matches.
// If socketPath is non-empty, an ipc.Gateway is also started, serving
// external drivers on that Unix domain socket.
func (c *Core) Start(ctx context.Context, socketPath string) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return pkgerr.ErrAlreadyRunning
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	entries := make([]*hcdEntry, 0, len(c.hcds))
	for _, e := range c.hcds {
		entries = append(entries, e)
	}
	c.running = true
	c.mu.Unlock()

	for _, e := range entries {
		if err := e.xfer.Start(c.ctx); err != nil {
			return err
		}
	}

	c.Reg.AcceptRegistrations()
	select {
	case <-c.Reg.Ready():
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	for _, e := range entries {
		e.mgr.Start(c.ctx)
	}

	if socketPath != "" {
		engines := make(map[uint8]*transfer.Engine, len(entries))
		c.mu.Lock()
		for ord, e := range c.hcds {
			engines[ord] = e.xfer
		}
		c.mu.Unlock()

		c.gateway = ipc.New(c.cfg, ipc.Deps{
			Tree:    c.Tree,
			Broker:  c.Pipes,
			Reg:     c.Reg,
			Pool:    c.Pool,
			Engines: engines,
		})
		go func() {
			if err := c.gateway.Serve(c.ctx, socketPath); err != nil {
				pkglog.Warn(pkglog.ComponentCore, "ipc gateway stopped", "error", err)
			}
		}()
	}

	pkglog.Info(pkglog.ComponentCore, "core started", "hcds", len(entries))
	return nil
}

// Stop halts every hub manager and transfer engine, in the reverse
// order Start brought them up, and closes the IPC gateway if one was
// started.
func (c *Core) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	entries := make([]*hcdEntry, 0, len(c.hcds))
	for _, e := range c.hcds {
		entries = append(entries, e)
	}
	gw := c.gateway
	c.mu.Unlock()

	if gw != nil {
		_ = gw.Close()
	}
	for _, e := range entries {
		e.mgr.Stop()
	}
	var firstErr error
	for _, e := range entries {
		if err := e.xfer.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.cancel != nil {
		c.cancel()
	}

	pkglog.Info(pkglog.ComponentCore, "core stopped")
	return firstErr
}

// RegisterDriver is a convenience wrapper over Reg.Register for an
// internal driver, matching specification §4.6's registration call.
func (c *Core) RegisterDriver(name string, filters []registry.Filter, h registry.Handler) error {
	return c.Reg.Register(name, filters, registry.TransportInternal, h)
}
