package hub

import (
	"time"

	"github.com/ardnew/usbhostcore/devtree"
	"github.com/ardnew/usbhostcore/pkg/pkglog"
)

// startDownstreamHub begins watching a newly configured hub device's
// own ports for connect/disconnect events, feeding them into the same
// hub-thread queue used for the root hub.
//
// A real implementation primes the hub's interrupt-IN status endpoint
// with one URB per specification §4.7 and is woken by its completions;
// this instead polls every DebounceSample interval via the hub's
// control pipe. Both ultimately call the same GetPortStatus per port,
// so the FSM this drives is identical either way — only the wakeup
// source differs. Polling was chosen here to avoid hand-authoring the
// interrupt endpoint's resubmit-on-completion loop without a compiler
// to check it; see DESIGN.md.
func (m *Manager) startDownstreamHub(dev *devtree.Device) {
	stop := make(chan struct{})
	m.hubsMu.Lock()
	m.hubStops[dev] = stop
	m.hubsMu.Unlock()

	src := newDeviceSource(dev, m.xfer)
	pkglog.Info(pkglog.ComponentHub, "watching downstream hub", "location", dev.Location().String(), "ports", dev.NumPorts())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.DebounceSample)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				for port := 1; port <= dev.NumPorts(); port++ {
					status, err := src.GetPortStatus(m.ctx, port)
					if err != nil {
						continue
					}
					if status.ConnectChange {
						m.enqueue(portEvent{hub: dev, src: src, port: port})
					}
				}
			}
		}
	}()
}

// stopDownstreamHub halts dev's port watcher, called when dev itself
// is torn down.
func (m *Manager) stopDownstreamHub(dev *devtree.Device) {
	m.hubsMu.Lock()
	stop, ok := m.hubStops[dev]
	if ok {
		delete(m.hubStops, dev)
	}
	m.hubsMu.Unlock()
	if ok {
		close(stop)
	}
}
