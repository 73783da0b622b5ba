package ipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectRequestRoundTrip(t *testing.T) {
	req := ConnectRequest{
		Name: "hidtest",
		Filters: []FilterWire{
			{Class: 3, SubClass: -1, Protocol: -1, VendorID: -1, ProductID: -1},
			{Class: 8, SubClass: 6, Protocol: 80, VendorID: 0x1234, ProductID: 0x5678},
		},
	}
	got, err := UnmarshalConnectRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestConnectRequestEmptyFilters(t *testing.T) {
	req := ConnectRequest{Name: "drv"}
	got, err := UnmarshalConnectRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, "drv", got.Name)
	assert.Empty(t, got.Filters)
}

func TestOpenRequestRoundTrip(t *testing.T) {
	req := OpenRequest{Bus: 2, Device: 5, Interface: 1, Type: 2, Direction: 0x80, LocationID: 0xDEADBEEF}
	got, err := UnmarshalOpenRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestUrbRequestRoundTripWithData(t *testing.T) {
	req := UrbRequest{
		Pipe:      42,
		Type:      0,
		Direction: 0x80,
		Sync:      true,
		Setup:     [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
		Data:      []byte{1, 2, 3, 4},
	}
	got, err := UnmarshalUrbRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestUrbRequestRoundTripWithoutData(t *testing.T) {
	req := UrbRequest{Pipe: 7, Type: 2, Direction: 0x00, Sync: false}
	got, err := UnmarshalUrbRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req.Pipe, got.Pipe)
	assert.Empty(t, got.Data)
	assert.False(t, got.Sync)
}

func TestUrbCmdRequestRoundTrip(t *testing.T) {
	req := UrbCmdRequest{Sub: UrbCmdCancel, URBID: 99}
	got, err := UnmarshalUrbCmdRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestAllocRequestRoundTrip(t *testing.T) {
	req := AllocRequest{Size: 512}
	got, err := UnmarshalAllocRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestFreeRequestRoundTrip(t *testing.T) {
	req := FreeRequest{Token: 0xC0FFEE, Size: 256}
	got, err := UnmarshalFreeRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestDevDescRequestRoundTrip(t *testing.T) {
	req := DevDescRequest{Bus: 0, Device: 9}
	got, err := UnmarshalDevDescRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestReplyRoundTrip(t *testing.T) {
	r := OKReply([]byte{1, 2, 3})
	got, err := UnmarshalReply(r.Marshal())
	require.NoError(t, err)
	assert.Equal(t, r, got)

	e := ErrReply(7)
	got, err = UnmarshalReply(e.Marshal())
	require.NoError(t, err)
	assert.Equal(t, byte(ReplyError), got.Status)
	assert.Equal(t, []byte{7}, got.Data)
}

func TestCompletionEventRoundTrip(t *testing.T) {
	c := CompletionEvent{Pipe: 1, URBID: 2, Actual: 3, Status: 0, Data: []byte{9, 9}}
	got, err := UnmarshalCompletionEvent(c.Marshal())
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestInsertionEventRoundTrip(t *testing.T) {
	e := InsertionEvent{Bus: 0, Device: 3, InterfaceIndex: 1}
	got, err := UnmarshalInsertionEvent(e.Marshal())
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestUnmarshalRejectsShortBuffers(t *testing.T) {
	_, err := UnmarshalOpenRequest([]byte{1, 2})
	assert.Error(t, err)

	_, err = UnmarshalUrbRequest([]byte{1})
	assert.Error(t, err)

	_, err = UnmarshalConnectRequest(nil)
	assert.Error(t, err)
}
