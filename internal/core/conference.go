package core

import (
	"context"

	"github.com/dkeye/voicebridge/internal/domain"
)

// Conference is the conferencing backend as seen by a session.
// Every call blocks until the backend acknowledges it or ctx ends.
// Events are delivered on the channel returned by Events for the
// lifetime of the backend.
type Conference interface {
	// Init authenticates against the backend.
	Init(ctx context.Context, token string) error
	// RefreshToken answers a RefreshTokenRequested event.
	RefreshToken(ctx context.Context, token string) error
	Events() <-chan Event

	// Open starts a user session and returns the local participant ID.
	Open(ctx context.Context, user string) (domain.ParticipantID, error)
	Join(ctx context.Context, conference string) error
	Demo(ctx context.Context) error
	Leave(ctx context.Context) error
	CloseSession(ctx context.Context) error

	Mute(ctx context.Context, muted bool) error
	MuteOutput(ctx context.Context, muted bool) error
	UpdateSpatial(ctx context.Context, batch domain.SpatialBatch) error

	SetVideoSink(ctx context.Context, track domain.VideoTrack, sink FrameSink) error
	Devices() DeviceManager

	Close() error
}

type DeviceManager interface {
	AudioDevices(ctx context.Context) ([]domain.Device, error)
	SetInputDevice(ctx context.Context, d domain.Device) error
	SetOutputDevice(ctx context.Context, d domain.Device) error
}
