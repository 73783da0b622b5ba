// Command usbhostctl is a thin demo CLI over package core, generalizing
// the teacher's examples/fifo-hal/*/host/main.go programs (flag parsing,
// a context wired to SIGINT/SIGTERM, WaitDevice in a loop) into a single
// scan run that walks a simulated root hub's ports and reports
// whatever enumerates, rendering progress with an mpb bar instead of
// the teacher's plain fmt.Println narration.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/ardnew/usbhostcore/core"
	"github.com/ardnew/usbhostcore/devtree"
	"github.com/ardnew/usbhostcore/hcd"
	"github.com/ardnew/usbhostcore/hcd/simhcd"
	"github.com/ardnew/usbhostcore/pkg/pkgcfg"
	"github.com/ardnew/usbhostcore/pkg/pkgerr"
	"github.com/ardnew/usbhostcore/pkg/pkglog"
	"github.com/ardnew/usbhostcore/pkg/prof"
)

func main() {
	ports := flag.Int("ports", 4, "number of simulated root hub ports to scan")
	scanTimeout := flag.Duration("timeout", 5*time.Second, "overall scan timeout")
	socketPath := flag.String("socket", "", "path for the driver IPC gateway socket (disabled if empty)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	cpuProfile := flag.String("cpuprofile", "", "write a CPU profile to this path (build with -tags profile to enable)")
	flag.Parse()

	if *verbose {
		pkglog.SetLogLevel(slog.LevelDebug)
	}

	if *cpuProfile != "" {
		if err := prof.StartCPU(*cpuProfile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer prof.StopCPU()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	cfg := pkgcfg.Default()
	cfg.MaxHubPorts = *ports
	c := core.New(cfg, nil)

	h := simhcd.New(0, *ports, demoHandler())
	if err := c.AddHCD(h); err != nil {
		fmt.Fprintf(os.Stderr, "failed to attach host controller: %v\n", err)
		os.Exit(1)
	}

	if err := c.Start(ctx, *socketPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start core: %v\n", err)
		os.Exit(1)
	}
	defer c.Stop()

	// Simulate a device showing up on port 1 partway through the scan,
	// the way a real bus scan would discover whatever is plugged in.
	go func() {
		time.Sleep(50 * time.Millisecond)
		h.Connect(1, devtree.SpeedHigh)
	}()

	scanCtx, scanCancel := context.WithTimeout(ctx, *scanTimeout)
	defer scanCancel()

	p := mpb.New(mpb.WithWidth(80))
	bar := p.AddBar(int64(*ports),
		mpb.PrependDecorators(
			decor.Name("Scanning root hub ports: "),
			decor.Percentage(decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done!"),
		),
	)

	for port := 1; port <= *ports; port++ {
		if scanCtx.Err() != nil {
			break
		}
		status, err := h.GetRoothubStatus(port)
		if err == nil && status.Connected {
			fmt.Printf("\nport %d: connected, speed=%v\n", port, status.Speed)
		}
		time.Sleep(100 * time.Millisecond)
		bar.Increment()
	}
	p.Wait()

	for _, dev := range c.Tree.Devices() {
		if dev == c.Tree.Root(0) {
			continue
		}
		desc := dev.Descriptor()
		fmt.Printf("device at %s: vid=0x%04x pid=0x%04x class=0x%02x\n",
			dev.Location().String(), desc.VendorID, desc.ProductID, desc.DeviceClass)
	}
}

// demoHandler answers enough of the standard control requests to let a
// simulated device enumerate: a minimal device descriptor and a
// one-interface configuration descriptor, enough to exercise the scan path without
// requiring a real attached device.
func demoHandler() simhcd.Handler {
	deviceDesc := make([]byte, devtree.DeviceDescriptorSize)
	deviceDesc[0] = devtree.DeviceDescriptorSize
	deviceDesc[1] = devtree.DescriptorTypeDevice
	deviceDesc[4] = 0x00 // bDeviceClass: per-interface
	deviceDesc[7] = 64
	deviceDesc[8], deviceDesc[9] = 0xAD, 0xDE // vendor 0xDEAD
	deviceDesc[10], deviceDesc[11] = 0xEF, 0xBE // product 0xBEEF
	deviceDesc[17] = 1

	configDesc := make([]byte, devtree.ConfigurationDescriptorSize+devtree.InterfaceDescriptorSize)
	configDesc[0] = devtree.ConfigurationDescriptorSize
	configDesc[1] = devtree.DescriptorTypeConfiguration
	total := len(configDesc)
	configDesc[2], configDesc[3] = byte(total), byte(total>>8)
	configDesc[4] = 1
	configDesc[5] = 1
	off := devtree.ConfigurationDescriptorSize
	configDesc[off+0] = devtree.InterfaceDescriptorSize
	configDesc[off+1] = devtree.DescriptorTypeInterface
	configDesc[off+5] = 0xFF // vendor-specific class

	return func(req *hcd.Request) (int, pkgerr.Status, []byte) {
		if req.Setup == nil {
			return 0, pkgerr.StatusSuccess, nil
		}
		switch req.Setup.Request {
		case 0x06: // GET_DESCRIPTOR
			var src []byte
			switch req.Setup.Value >> 8 {
			case devtree.DescriptorTypeDevice:
				src = deviceDesc
			case devtree.DescriptorTypeConfiguration:
				src = configDesc
			default:
				return 0, pkgerr.StatusSuccess, nil
			}
			n := int(req.Setup.Length)
			if n > len(src) {
				n = len(src)
			}
			return n, pkgerr.StatusSuccess, src[:n]
		default:
			return 0, pkgerr.StatusSuccess, nil
		}
	}
}
