package voice

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/voxfolio/pkg/audio"
)

// Gatekeeper checks for microphone hardware before any device is opened, so
// a machine without a microphone fails with [ReasonNoDevice] instead of a
// confusing permission prompt.
type Gatekeeper struct {
	devices audio.Enumerator
}

// NewGatekeeper returns a Gatekeeper that lists devices through e.
func NewGatekeeper(e audio.Enumerator) *Gatekeeper {
	return &Gatekeeper{devices: e}
}

// CheckAvailability reports whether capture should be attempted. It returns
// an *Error with [ReasonNoDevice] only when enumeration succeeded and found
// no input device. Enumeration failures are not failures here: the real
// acquisition attempt decides.
func (g *Gatekeeper) CheckAvailability(ctx context.Context) error {
	devices, err := g.devices.InputDevices(ctx)
	if err != nil {
		if errors.Is(err, audio.ErrIntrospectionBlocked) {
			slog.Debug("voice: device introspection blocked, deferring to acquisition", "err", err)
		} else {
			slog.Debug("voice: device enumeration failed, deferring to acquisition", "err", err)
		}
		return nil
	}

	for _, d := range devices {
		if d.Kind == audio.DeviceInput {
			return nil
		}
	}
	return &Error{Reason: ReasonNoDevice, Err: audio.ErrDeviceNotFound}
}
