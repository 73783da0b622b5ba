package ipc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ardnew/usbhostcore/pkg/pkgerr"
)

// Message discriminators for the DevCtl tag (specification §6.2).
// Requests 0x01-0x07 are driver-to-core; 0x10+ are core-to-driver
// events delivered on a driver's control connection.
const (
	MsgConnect = 0x01
	MsgOpen    = 0x02
	MsgUrb     = 0x03
	MsgUrbCmd  = 0x04
	MsgAlloc   = 0x05
	MsgFree    = 0x06
	MsgDevDesc = 0x07

	MsgReply      = 0x10 // generic reply to any request above
	MsgCompletion = 0x11 // async URB completion, pushed unsolicited
	MsgInsertion  = 0x12 // interface bound, pushed unsolicited
	MsgDeletion   = 0x13 // interface unbound, pushed unsolicited
)

// headerSize is the framing overhead: one discriminator byte plus a
// 4-byte little-endian payload length, generalizing the teacher's
// 3-byte (type + uint16 length) fifo.go header to cover the larger
// Alloc/configuration-descriptor payloads this protocol carries.
const headerSize = 5

// MaxFrameSize bounds a single message's payload, guarding against a
// misbehaving driver claiming an absurd length and exhausting memory
// on the read side.
const MaxFrameSize = 64 * 1024

// WriteFrame writes one DevCtl message: msgType followed by payload,
// framed with a length prefix so a stream transport's partial reads
// can be reassembled on the other end.
func WriteFrame(w io.Writer, msgType byte, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return pkgerr.ErrInvalidParameter
	}
	var hdr [headerSize]byte
	hdr[0] = msgType
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one DevCtl message, blocking until a full header and
// payload have arrived. Unlike the teacher's fifo.go, which assumed
// one os.File.Read call returns exactly one message, this reads in a
// loop via io.ReadFull since a stream socket may deliver a message
// across several reads.
func ReadFrame(r io.Reader) (msgType byte, payload []byte, err error) {
	var hdr [headerSize]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	msgType = hdr[0]
	length := binary.LittleEndian.Uint32(hdr[1:5])
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("%w: frame length %d exceeds limit", pkgerr.ErrProtocol, length)
	}
	if length == 0 {
		return msgType, nil, nil
	}
	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return msgType, payload, nil
}
