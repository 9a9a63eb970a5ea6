package voice

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/voxfolio/pkg/audio"
	audiomock "github.com/MrWong99/voxfolio/pkg/audio/mock"
)

func TestGatekeeper(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		backend    *audiomock.Backend
		wantReason Reason
	}{
		{
			name:       "no devices",
			backend:    &audiomock.Backend{},
			wantReason: ReasonNoDevice,
		},
		{
			name: "only outputs",
			backend: &audiomock.Backend{Devices: []audio.DeviceInfo{
				{ID: "spk", Kind: audio.DeviceOutput},
			}},
			wantReason: ReasonNoDevice,
		},
		{
			name: "one microphone",
			backend: &audiomock.Backend{Devices: []audio.DeviceInfo{
				{ID: "spk", Kind: audio.DeviceOutput},
				{ID: "mic", Kind: audio.DeviceInput},
			}},
		},
		{
			name:    "introspection blocked",
			backend: &audiomock.Backend{EnumerateErr: fmt.Errorf("privacy: %w", audio.ErrIntrospectionBlocked)},
		},
		{
			name:    "enumeration failure",
			backend: &audiomock.Backend{EnumerateErr: errors.New("boom")},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := NewGatekeeper(tc.backend).CheckAvailability(context.Background())
			if tc.wantReason == ReasonNone {
				if err != nil {
					t.Fatalf("CheckAvailability: %v", err)
				}
				return
			}
			if got := Classify(err); got != tc.wantReason {
				t.Fatalf("reason = %v, want %v (err %v)", got, tc.wantReason, err)
			}
			if !errors.Is(err, audio.ErrDeviceNotFound) {
				t.Errorf("error does not wrap ErrDeviceNotFound: %v", err)
			}
		})
	}
}

func TestGatekeeper_DoesNotOpenDevices(t *testing.T) {
	t.Parallel()
	b := &audiomock.Backend{}
	_ = NewGatekeeper(b).CheckAvailability(context.Background())
	if b.CallCountOpenInput != 0 || b.CallCountOpenOutput != 0 {
		t.Errorf("gatekeeper opened devices: input=%d output=%d", b.CallCountOpenInput, b.CallCountOpenOutput)
	}
	if b.CallCountInputDevices != 1 {
		t.Errorf("InputDevices calls = %d, want 1", b.CallCountInputDevices)
	}
}
