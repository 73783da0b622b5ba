package ipc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbhostcore/bufpool"
	"github.com/ardnew/usbhostcore/devtree"
	"github.com/ardnew/usbhostcore/hcd"
	"github.com/ardnew/usbhostcore/hcd/simhcd"
	"github.com/ardnew/usbhostcore/pipebroker"
	"github.com/ardnew/usbhostcore/pkg/pkgcfg"
	"github.com/ardnew/usbhostcore/pkg/pkgerr"
	"github.com/ardnew/usbhostcore/registry"
	"github.com/ardnew/usbhostcore/transfer"
)

// bulkEchoHandler answers every non-setup transfer by copying back the
// bytes it was given, enough to exercise a synchronous Urb round trip
// without a real device attached.
func bulkEchoHandler(req *hcd.Request) (int, pkgerr.Status, []byte) {
	return len(req.Data), pkgerr.StatusSuccess, req.Data
}

type gatewayRig struct {
	gw   *Gateway
	conn net.Conn
	sock string
}

func newGatewayRig(t *testing.T, cfg pkgcfg.Config) *gatewayRig {
	t.Helper()
	tree := devtree.NewTree()
	dev := devtree.NewDevice(devtree.LocationID(0), 0, devtree.SpeedHigh, nil, 0)
	dev.SetAddress(5)
	dev.SetDescriptor(devtree.DeviceDescriptor{VendorID: 0x1234, ProductID: 0x5678})
	dev.SetConfiguration(&devtree.Configuration{
		Interfaces: []devtree.Interface{
			{
				Descriptor: devtree.InterfaceDescriptor{InterfaceNumber: 0},
				Endpoints: []devtree.EndpointDescriptor{
					{EndpointAddress: 0x81, Attributes: devtree.TransferBulk, MaxPacketSize: 64},
					{EndpointAddress: 0x01, Attributes: devtree.TransferBulk, MaxPacketSize: 64},
				},
			},
		},
	})
	tree.Insert(dev)

	h := simhcd.New(0, 1, bulkEchoHandler)
	eng := transfer.NewEngine(h, 5*time.Millisecond)
	broker := pipebroker.New()
	reg := registry.New(nil)
	pool := bufpool.New()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, eng.Start(ctx))

	gw := New(cfg, Deps{
		Tree:    tree,
		Broker:  broker,
		Reg:     reg,
		Pool:    pool,
		Engines: map[uint8]*transfer.Engine{0: eng},
	})

	sock := filepath.Join(t.TempDir(), "gateway.sock")
	go func() { _ = gw.Serve(ctx, sock) }()

	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", sock)
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		_ = gw.Close()
		cancel()
		_ = eng.Stop()
		_ = h.Close()
	})

	return &gatewayRig{gw: gw, conn: conn, sock: sock}
}

func roundTrip(t *testing.T, conn net.Conn, msgType byte, payload []byte) (byte, []byte) {
	t.Helper()
	require.NoError(t, WriteFrame(conn, msgType, payload))
	mt, p, err := ReadFrame(conn)
	require.NoError(t, err)
	return mt, p
}

func TestGatewayConnectRegistersDriver(t *testing.T) {
	rig := newGatewayRig(t, pkgcfg.Config{IPCWorkers: 2})

	mt, p := roundTrip(t, rig.conn, MsgConnect, ConnectRequest{Name: "extdrv"}.Marshal())
	require.Equal(t, byte(MsgReply), mt)
	reply, err := UnmarshalReply(p)
	require.NoError(t, err)
	assert.Equal(t, byte(ReplyOK), reply.Status)

	_, ok := rig.gw.reg.Transport("extdrv")
	assert.True(t, ok)
}

func TestGatewayOpenAndSyncUrbRoundTrip(t *testing.T) {
	rig := newGatewayRig(t, pkgcfg.Config{IPCWorkers: 2})

	_, p := roundTrip(t, rig.conn, MsgConnect, ConnectRequest{Name: "extdrv"}.Marshal())
	reply, err := UnmarshalReply(p)
	require.NoError(t, err)
	require.Equal(t, byte(ReplyOK), reply.Status)

	_, p = roundTrip(t, rig.conn, MsgOpen, OpenRequest{
		Bus: 0, Device: 5, Interface: 0, Type: devtree.TransferBulk, Direction: devtree.DirectionOut,
	}.Marshal())
	reply, err = UnmarshalReply(p)
	require.NoError(t, err)
	require.Equal(t, byte(ReplyOK), reply.Status)
	require.Len(t, reply.Data, 8)

	pipeID := decodeToken(reply.Data)

	urb := UrbRequest{Pipe: pipeID, Type: devtree.TransferBulk, Direction: devtree.DirectionOut, Sync: true, Data: []byte("hello")}
	_, p = roundTrip(t, rig.conn, MsgUrb, urb.Marshal())
	reply, err = UnmarshalReply(p)
	require.NoError(t, err)
	assert.Equal(t, byte(ReplyOK), reply.Status)
	assert.Equal(t, []byte("hello"), reply.Data)
}

func TestGatewayAllocFreeRoundTrip(t *testing.T) {
	rig := newGatewayRig(t, pkgcfg.Config{IPCWorkers: 2})

	_, p := roundTrip(t, rig.conn, MsgAlloc, AllocRequest{Size: 128}.Marshal())
	reply, err := UnmarshalReply(p)
	require.NoError(t, err)
	require.Equal(t, byte(ReplyOK), reply.Status)
	require.Len(t, reply.Data, 8)
	token := decodeToken(reply.Data)

	_, p = roundTrip(t, rig.conn, MsgFree, FreeRequest{Token: token, Size: 128}.Marshal())
	reply, err = UnmarshalReply(p)
	require.NoError(t, err)
	assert.Equal(t, byte(ReplyOK), reply.Status)
}

func TestGatewayDevDescReturnsDescriptorAndStrings(t *testing.T) {
	rig := newGatewayRig(t, pkgcfg.Config{IPCWorkers: 2})

	_, p := roundTrip(t, rig.conn, MsgDevDesc, DevDescRequest{Bus: 0, Device: 5}.Marshal())
	reply, err := UnmarshalReply(p)
	require.NoError(t, err)
	require.Equal(t, byte(ReplyOK), reply.Status)
	require.GreaterOrEqual(t, len(reply.Data), devtree.DeviceDescriptorSize)

	vendorID := uint16(reply.Data[8]) | uint16(reply.Data[9])<<8
	assert.Equal(t, uint16(0x1234), vendorID)
}

func TestGatewayDevDescUnknownDeviceReturnsError(t *testing.T) {
	rig := newGatewayRig(t, pkgcfg.Config{IPCWorkers: 2})

	_, p := roundTrip(t, rig.conn, MsgDevDesc, DevDescRequest{Bus: 0, Device: 200}.Marshal())
	reply, err := UnmarshalReply(p)
	require.NoError(t, err)
	assert.Equal(t, byte(ReplyError), reply.Status)
}

func decodeToken(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
