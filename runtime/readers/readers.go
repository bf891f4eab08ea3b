package readers

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/timzifer/scopectl/config"
	"github.com/timzifer/scopectl/data"
	"github.com/timzifer/scopectl/runtime/connections"
)

// Channel describes one output channel of an acquisition device.
type Channel struct {
	ID   string
	Name string
}

// Device captures frames for a hardware source.
//
// Acquire performs exactly one exposure with the given frame parameters and
// returns one buffer per enabled channel, in channel order. It must honour
// ctx cancellation promptly so streams can be aborted mid-frame.
type Device interface {
	Channels() []Channel
	Acquire(ctx context.Context, params map[string]interface{}, enabled []bool) ([]*data.DataAndMetadata, error)
	Close() error
}

// DeviceDependencies carries shared services handed to device factories.
type DeviceDependencies struct {
	Logger      zerolog.Logger
	Connections *connections.Pool
}

// DeviceFactory constructs a Device using the provided configuration.
type DeviceFactory func(cfg config.HardwareSourceConfig, deps DeviceDependencies) (Device, error)
