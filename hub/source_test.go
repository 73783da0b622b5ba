package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ardnew/usbhostcore/devtree"
)

func TestDecodePortStatusBits(t *testing.T) {
	// Connected, enabled, powered, high speed; C_CONNECTION set.
	status := uint16(1<<0 | 1<<1 | 1<<8 | 1<<10)
	change := uint16(1 << 0)

	got := decodePortStatus(status, change)

	assert.True(t, got.Connected)
	assert.True(t, got.Enabled)
	assert.True(t, got.Powered)
	assert.Equal(t, devtree.SpeedHigh, got.Speed)
	assert.True(t, got.ConnectChange)
	assert.False(t, got.ResetChange)
}

func TestDecodePortStatusLowSpeed(t *testing.T) {
	status := uint16(1<<0 | 1<<9)
	got := decodePortStatus(status, 0)
	assert.Equal(t, devtree.SpeedLow, got.Speed)
}

func TestDecodePortStatusFullSpeedDefault(t *testing.T) {
	status := uint16(1 << 0)
	got := decodePortStatus(status, 0)
	assert.Equal(t, devtree.SpeedFull, got.Speed)
}

func TestDecodePortStatusResetChange(t *testing.T) {
	got := decodePortStatus(0, 1<<4)
	assert.True(t, got.ResetChange)
}
