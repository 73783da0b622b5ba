package ipc

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, MsgOpen, []byte("hello")))

	msgType, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, byte(MsgOpen), msgType)
	assert.Equal(t, []byte("hello"), payload)
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, MsgConnect, nil))

	msgType, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, byte(MsgConnect), msgType)
	assert.Nil(t, payload)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, MsgUrb, make([]byte, MaxFrameSize+1))
	assert.Error(t, err)
}

func TestReadFrameAcrossFragmentedWrites(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	payload := bytes.Repeat([]byte{0xAB}, 4096)

	done := make(chan error, 1)
	go func() {
		done <- WriteFrame(c1, MsgUrb, payload)
	}()

	// Read the frame in small chunks by wrapping c2 in a reader that
	// only ever returns a few bytes at a time, to prove ReadFrame
	// tolerates partial reads the way a stream socket can deliver them.
	r := &slowReader{r: c2, chunk: 7}
	msgType, got, err := ReadFrame(r)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, byte(MsgUrb), msgType)
	assert.Equal(t, payload, got)
}

type slowReader struct {
	r     io.Reader
	chunk int
}

func (s *slowReader) Read(p []byte) (int, error) {
	if len(p) > s.chunk {
		p = p[:s.chunk]
	}
	return s.r.Read(p)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(MsgUrb)
	hdr := make([]byte, 4)
	hdr[0], hdr[1], hdr[2], hdr[3] = 0xFF, 0xFF, 0xFF, 0x7F
	buf.Write(hdr)

	_, _, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestReadFrameReturnsErrOnClosedConn(t *testing.T) {
	c1, c2 := net.Pipe()
	require.NoError(t, c1.Close())
	_ = c2.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := ReadFrame(c2)
	assert.Error(t, err)
}
