package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbhostcore/devtree"
	"github.com/ardnew/usbhostcore/hcd"
	"github.com/ardnew/usbhostcore/hcd/simhcd"
	"github.com/ardnew/usbhostcore/pkg/pkgcfg"
	"github.com/ardnew/usbhostcore/pkg/pkgerr"
	"github.com/ardnew/usbhostcore/registry"
)

func testConfig() pkgcfg.Config {
	return pkgcfg.Config{
		IPCWorkers:             1,
		SchedulerTick:          5 * time.Millisecond,
		DebounceSample:         2 * time.Millisecond,
		DebounceStable:         4 * time.Millisecond,
		DebounceTimeout:        200 * time.Millisecond,
		ResetRetries:           50,
		ResetPollInterval:      2 * time.Millisecond,
		EnumerationAttempts:    2,
		DefaultTransferTimeout: 2 * time.Second,
		MaxHubPorts:            15,
	}
}

func noopHandler(req *hcd.Request) (int, pkgerr.Status, []byte) {
	return 0, pkgerr.StatusSuccess, nil
}

func TestAddHCDRejectsDuplicateOrdinal(t *testing.T) {
	c := New(testConfig(), nil)
	h1 := simhcd.New(0, 2, noopHandler)
	h2 := simhcd.New(0, 2, noopHandler)

	require.NoError(t, c.AddHCD(h1))
	err := c.AddHCD(h2)
	assert.ErrorIs(t, err, pkgerr.ErrAlreadyRegistered)
}

func TestAddHCDRejectsAfterStart(t *testing.T) {
	c := New(testConfig(), nil)
	h := simhcd.New(0, 1, noopHandler)
	require.NoError(t, c.AddHCD(h))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx, ""))
	defer c.Stop()

	err := c.AddHCD(simhcd.New(1, 1, noopHandler))
	assert.ErrorIs(t, err, pkgerr.ErrAlreadyRunning)
}

func TestStartTwiceReturnsErrAlreadyRunning(t *testing.T) {
	c := New(testConfig(), nil)
	require.NoError(t, c.AddHCD(simhcd.New(0, 1, noopHandler)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx, ""))
	defer c.Stop()

	err := c.Start(ctx, "")
	assert.ErrorIs(t, err, pkgerr.ErrAlreadyRunning)
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	c := New(testConfig(), nil)
	assert.NoError(t, c.Stop())
}

func TestRootHubDeviceAppearsAfterStart(t *testing.T) {
	c := New(testConfig(), nil)
	require.NoError(t, c.AddHCD(simhcd.New(0, 2, noopHandler)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx, ""))
	defer c.Stop()

	root := c.Tree.Root(0)
	require.NotNil(t, root)
	assert.True(t, root.IsHub())
}

func TestRegisterDriverBeforeStartSeesFirstEnumeration(t *testing.T) {
	deviceDesc := make([]byte, devtree.DeviceDescriptorSize)
	deviceDesc[0] = devtree.DeviceDescriptorSize
	deviceDesc[1] = devtree.DescriptorTypeDevice
	deviceDesc[4] = 0x03 // HID
	deviceDesc[7] = 64
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
	configDesc[off+5] = 0x03

	handler := func(req *hcd.Request) (int, pkgerr.Status, []byte) {
		if req.Setup == nil {
			return 0, pkgerr.StatusSuccess, nil
		}
		switch req.Setup.Request {
		case 0x06:
			var src []byte
			switch req.Setup.Value >> 8 {
			case devtree.DescriptorTypeDevice:
				src = deviceDesc
			case devtree.DescriptorTypeConfiguration:
				src = configDesc
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

	c := New(testConfig(), nil)
	h := simhcd.New(0, 2, handler)
	require.NoError(t, c.AddHCD(h))

	var bound *devtree.Device
	require.NoError(t, c.RegisterDriver("hidtest", []registry.Filter{{
		Class: 0x03, SubClass: registry.Wildcard, Protocol: registry.Wildcard,
		VendorID: registry.Wildcard, ProductID: registry.Wildcard,
	}}, &captureHandler{onInsertion: func(dev *devtree.Device, _ uint8) { bound = dev }}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx, ""))
	defer c.Stop()

	h.Connect(1, devtree.SpeedHigh)

	deadline := time.Now().Add(time.Second)
	for bound == nil && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	require.NotNil(t, bound, "driver registered before Start should see the first enumeration")
}

type captureHandler struct {
	onInsertion func(dev *devtree.Device, ifaceNum uint8)
}

func (c *captureHandler) OnInsertion(dev *devtree.Device, ifaceNum uint8) {
	if c.onInsertion != nil {
		c.onInsertion(dev, ifaceNum)
	}
}
func (c *captureHandler) OnDeletion(dev *devtree.Device, ifaceNum uint8) {}
func (c *captureHandler) OnCompletion(pipeID, urbID uint64, actual int, status pkgerr.Status) {}
