package pkgerr

import (
	"errors"
	"testing"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusSuccess, "success"},
		{StatusIO, "io"},
		{StatusStall, "stall"},
		{StatusTimeout, "timeout"},
		{StatusAborted, "aborted"},
		{StatusProtocol, "protocol"},
		{StatusNotSupported, "not_supported"},
		{StatusNoDevice, "no_device"},
		{Status(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("Status.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatus_Err(t *testing.T) {
	tests := []struct {
		status  Status
		wantErr error
	}{
		{StatusSuccess, nil},
		{StatusIO, ErrIO},
		{StatusStall, ErrStall},
		{StatusTimeout, ErrTimeout},
		{StatusAborted, ErrAborted},
		{StatusProtocol, ErrProtocol},
		{StatusNotSupported, ErrNotSupported},
		{StatusNoDevice, ErrNoDevice},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := tt.status.Err()
			if tt.wantErr == nil && err != nil {
				t.Errorf("Status.Err() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Status.Err() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSentinelErrorsDistinct(t *testing.T) {
	errs := []error{
		ErrNoDevice, ErrNoPipe, ErrNoInterface, ErrNoDriver,
		ErrOutOfMemory, ErrNoResources,
		ErrIO, ErrTimeout, ErrAborted, ErrStall, ErrProtocol, ErrNotSupported,
		ErrAlreadyRunning, ErrNotRunning, ErrCancelled, ErrInvalidParameter,
		ErrAlreadyRegistered, ErrDepthExceeded,
	}

	for i, err1 := range errs {
		if err1 == nil {
			t.Errorf("error %d is nil", i)
			continue
		}
		for j, err2 := range errs {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("error %d (%v) and %d (%v) compare equal", i, err1, j, err2)
			}
		}
	}
}
