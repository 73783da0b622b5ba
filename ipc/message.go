package ipc

import (
	"encoding/binary"

	"github.com/ardnew/usbhostcore/pkg/pkgerr"
)

// FilterWire is the wire encoding of one registry.Filter entry:
// five little-endian int32 fields, -1 meaning wildcard. 20 bytes.
type FilterWire struct {
	Class, SubClass, Protocol, VendorID, ProductID int32
}

const filterWireSize = 20

func (f FilterWire) marshalTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f.Class))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(f.SubClass))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(f.Protocol))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(f.VendorID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(f.ProductID))
}

func unmarshalFilterWire(buf []byte) FilterWire {
	return FilterWire{
		Class:     int32(binary.LittleEndian.Uint32(buf[0:4])),
		SubClass:  int32(binary.LittleEndian.Uint32(buf[4:8])),
		Protocol:  int32(binary.LittleEndian.Uint32(buf[8:12])),
		VendorID:  int32(binary.LittleEndian.Uint32(buf[12:16])),
		ProductID: int32(binary.LittleEndian.Uint32(buf[16:20])),
	}
}

// ConnectRequest registers a driver with its filter set (specification
// §6.2 "Connect").
type ConnectRequest struct {
	Name    string
	Filters []FilterWire
}

func (c ConnectRequest) Marshal() []byte {
	buf := make([]byte, 1+len(c.Name)+2+len(c.Filters)*filterWireSize)
	buf[0] = byte(len(c.Name))
	off := 1
	off += copy(buf[off:], c.Name)
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(c.Filters)))
	off += 2
	for _, f := range c.Filters {
		f.marshalTo(buf[off : off+filterWireSize])
		off += filterWireSize
	}
	return buf
}

func UnmarshalConnectRequest(buf []byte) (ConnectRequest, error) {
	if len(buf) < 1 {
		return ConnectRequest{}, pkgerr.ErrProtocol
	}
	nameLen := int(buf[0])
	off := 1
	if len(buf) < off+nameLen+2 {
		return ConnectRequest{}, pkgerr.ErrProtocol
	}
	name := string(buf[off : off+nameLen])
	off += nameLen
	count := int(binary.LittleEndian.Uint16(buf[off : off+2]))
	off += 2
	if len(buf) < off+count*filterWireSize {
		return ConnectRequest{}, pkgerr.ErrProtocol
	}
	filters := make([]FilterWire, count)
	for i := 0; i < count; i++ {
		filters[i] = unmarshalFilterWire(buf[off : off+filterWireSize])
		off += filterWireSize
	}
	return ConnectRequest{Name: name, Filters: filters}, nil
}

// OpenRequest asks the gateway to open a pipe to one of a device's
// endpoints (specification §6.2 "Open").
type OpenRequest struct {
	Bus        uint8
	Device     uint8
	Interface  uint8
	Type       uint8
	Direction  uint8
	LocationID uint32
}

const openRequestSize = 9

func (o OpenRequest) Marshal() []byte {
	buf := make([]byte, openRequestSize)
	buf[0], buf[1], buf[2], buf[3], buf[4] = o.Bus, o.Device, o.Interface, o.Type, o.Direction
	binary.LittleEndian.PutUint32(buf[5:9], o.LocationID)
	return buf
}

func UnmarshalOpenRequest(buf []byte) (OpenRequest, error) {
	if len(buf) < openRequestSize {
		return OpenRequest{}, pkgerr.ErrProtocol
	}
	return OpenRequest{
		Bus:        buf[0],
		Device:     buf[1],
		Interface:  buf[2],
		Type:       buf[3],
		Direction:  buf[4],
		LocationID: binary.LittleEndian.Uint32(buf[5:9]),
	}, nil
}

// UrbRequest submits a transfer on an already-open pipe (specification
// §6.2 "Urb"). Setup is meaningful only for control-type pipes. Data
// holds OUT bytes on submission; for a synchronous IN transfer the
// gateway's reply carries the bytes actually read.
type UrbRequest struct {
	Pipe      uint64
	Type      uint8
	Direction uint8
	Sync      bool
	Setup     [8]byte
	Data      []byte
}

const urbRequestHeaderSize = 8 + 1 + 1 + 1 + 8 // pipe + type + direction + sync + setup

func (u UrbRequest) Marshal() []byte {
	buf := make([]byte, urbRequestHeaderSize+len(u.Data))
	binary.LittleEndian.PutUint64(buf[0:8], u.Pipe)
	buf[8] = u.Type
	buf[9] = u.Direction
	if u.Sync {
		buf[10] = 1
	}
	copy(buf[11:19], u.Setup[:])
	copy(buf[19:], u.Data)
	return buf
}

func UnmarshalUrbRequest(buf []byte) (UrbRequest, error) {
	if len(buf) < urbRequestHeaderSize {
		return UrbRequest{}, pkgerr.ErrProtocol
	}
	u := UrbRequest{
		Pipe:      binary.LittleEndian.Uint64(buf[0:8]),
		Type:      buf[8],
		Direction: buf[9],
		Sync:      buf[10] != 0,
	}
	copy(u.Setup[:], buf[11:19])
	if len(buf) > urbRequestHeaderSize {
		u.Data = append([]byte(nil), buf[urbRequestHeaderSize:]...)
	}
	return u, nil
}

// UrbCmd subcommands (specification §6.2 "Urbcmd").
const (
	UrbCmdSubmit = 0x01
	UrbCmdCancel = 0x02
	UrbCmdFree   = 0x03
)

// UrbCmdRequest issues submit/cancel/free against a previously allocated
// asynchronous URB id.
type UrbCmdRequest struct {
	Sub   uint8
	URBID uint64
}

const urbCmdRequestSize = 9

func (u UrbCmdRequest) Marshal() []byte {
	buf := make([]byte, urbCmdRequestSize)
	buf[0] = u.Sub
	binary.LittleEndian.PutUint64(buf[1:9], u.URBID)
	return buf
}

func UnmarshalUrbCmdRequest(buf []byte) (UrbCmdRequest, error) {
	if len(buf) < urbCmdRequestSize {
		return UrbCmdRequest{}, pkgerr.ErrProtocol
	}
	return UrbCmdRequest{Sub: buf[0], URBID: binary.LittleEndian.Uint64(buf[1:9])}, nil
}

// AllocRequest carves size bytes from the shared buffer pool
// (specification §6.2 "Alloc").
type AllocRequest struct {
	Size uint32
}

func (a AllocRequest) Marshal() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, a.Size)
	return buf
}

func UnmarshalAllocRequest(buf []byte) (AllocRequest, error) {
	if len(buf) < 4 {
		return AllocRequest{}, pkgerr.ErrProtocol
	}
	return AllocRequest{Size: binary.LittleEndian.Uint32(buf)}, nil
}

// FreeRequest releases a buffer previously returned by Alloc, addressed
// by the same token (specification §6.2 "Free" by "physical address").
// Size is carried for the wire shape spec.md describes but is not
// needed to release a bufpool.Buffer, which already knows its own
// extent.
type FreeRequest struct {
	Token uint64
	Size  uint32
}

const freeRequestSize = 12

func (f FreeRequest) Marshal() []byte {
	buf := make([]byte, freeRequestSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.Token)
	binary.LittleEndian.PutUint32(buf[8:12], f.Size)
	return buf
}

func UnmarshalFreeRequest(buf []byte) (FreeRequest, error) {
	if len(buf) < freeRequestSize {
		return FreeRequest{}, pkgerr.ErrProtocol
	}
	return FreeRequest{
		Token: binary.LittleEndian.Uint64(buf[0:8]),
		Size:  binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// DevDescRequest asks for a device's descriptor and string table
// (specification §6.2 "Devdesc").
type DevDescRequest struct {
	Bus    uint8
	Device uint8
}

func (d DevDescRequest) Marshal() []byte { return []byte{d.Bus, d.Device} }

func UnmarshalDevDescRequest(buf []byte) (DevDescRequest, error) {
	if len(buf) < 2 {
		return DevDescRequest{}, pkgerr.ErrProtocol
	}
	return DevDescRequest{Bus: buf[0], Device: buf[1]}, nil
}

// ReplyStatus values carried in the first byte of a MsgReply payload.
const (
	ReplyOK    = 0x00
	ReplyError = 0x01
)

// Reply is a generic {status, data} response to any request above.
// Data holds the pipe id for Open, the URB id for an async Urb, the
// IN bytes for a synchronous Urb, or the token for Alloc.
type Reply struct {
	Status byte
	Data   []byte
}

func (r Reply) Marshal() []byte {
	buf := make([]byte, 1+len(r.Data))
	buf[0] = r.Status
	copy(buf[1:], r.Data)
	return buf
}

func UnmarshalReply(buf []byte) (Reply, error) {
	if len(buf) < 1 {
		return Reply{}, pkgerr.ErrProtocol
	}
	return Reply{Status: buf[0], Data: append([]byte(nil), buf[1:]...)}, nil
}

// OKReply builds a successful Reply carrying data.
func OKReply(data []byte) Reply { return Reply{Status: ReplyOK, Data: data} }

// ErrReply builds a failed Reply; the status code is carried in Data[0]
// as a pkgerr.Status value.
func ErrReply(status byte) Reply { return Reply{Status: ReplyError, Data: []byte{status}} }

// CompletionEvent is pushed unsolicited on a driver's connection when
// an asynchronous URB it submitted finishes.
type CompletionEvent struct {
	Pipe   uint64
	URBID  uint64
	Actual uint32
	Status byte
	Data   []byte // IN bytes, if any
}

const completionEventHeaderSize = 8 + 8 + 4 + 1

func (c CompletionEvent) Marshal() []byte {
	buf := make([]byte, completionEventHeaderSize+len(c.Data))
	binary.LittleEndian.PutUint64(buf[0:8], c.Pipe)
	binary.LittleEndian.PutUint64(buf[8:16], c.URBID)
	binary.LittleEndian.PutUint32(buf[16:20], c.Actual)
	buf[20] = c.Status
	copy(buf[21:], c.Data)
	return buf
}

func UnmarshalCompletionEvent(buf []byte) (CompletionEvent, error) {
	if len(buf) < completionEventHeaderSize {
		return CompletionEvent{}, pkgerr.ErrProtocol
	}
	c := CompletionEvent{
		Pipe:   binary.LittleEndian.Uint64(buf[0:8]),
		URBID:  binary.LittleEndian.Uint64(buf[8:16]),
		Actual: binary.LittleEndian.Uint32(buf[16:20]),
		Status: buf[20],
	}
	if len(buf) > completionEventHeaderSize {
		c.Data = append([]byte(nil), buf[completionEventHeaderSize:]...)
	}
	return c, nil
}

// InsertionEvent/DeletionEvent are pushed unsolicited when an interface
// this driver's filters matched is bound or torn down.
type InsertionEvent struct {
	Bus            uint8
	Device         uint8
	InterfaceIndex uint8
}

const insertionEventSize = 3

func (e InsertionEvent) Marshal() []byte { return []byte{e.Bus, e.Device, e.InterfaceIndex} }

func UnmarshalInsertionEvent(buf []byte) (InsertionEvent, error) {
	if len(buf) < insertionEventSize {
		return InsertionEvent{}, pkgerr.ErrProtocol
	}
	return InsertionEvent{Bus: buf[0], Device: buf[1], InterfaceIndex: buf[2]}, nil
}
