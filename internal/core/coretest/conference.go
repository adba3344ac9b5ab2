// Package coretest provides an in-memory core.Conference for tests.
package coretest

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
)

var ErrUnknownDevice = errors.New("unknown device")

// Conference records every call and returns the configured errors.
// Tests push backend events with Emit.
type Conference struct {
	LocalID     domain.ParticipantID
	DeviceList  []domain.Device
	InitErr     error
	JoinErr     error
	MuteErr     error
	SpatialErr  error
	AudioDevErr error

	events chan core.Event

	mu       sync.Mutex
	calls    []string
	sinks    map[domain.TrackID]core.FrameSink
	spatial  []domain.SpatialBatch
	tokens   []string
	inputDev domain.Device
	outDev   domain.Device
}

var _ core.Conference = (*Conference)(nil)

func NewConference() *Conference {
	return &Conference{
		LocalID: "local",
		events:  make(chan core.Event, 64),
		sinks:   make(map[domain.TrackID]core.FrameSink),
	}
}

func (c *Conference) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

// Calls returns the names of the calls made so far.
func (c *Conference) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

func (c *Conference) Emit(ev core.Event) { c.events <- ev }

func (c *Conference) Sink(id domain.TrackID) (core.FrameSink, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sinks[id]
	return s, ok
}

func (c *Conference) SpatialBatches() []domain.SpatialBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.spatial)
}

func (c *Conference) Tokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.tokens)
}

func (c *Conference) Init(_ context.Context, token string) error {
	c.record("init")
	c.mu.Lock()
	c.tokens = append(c.tokens, token)
	c.mu.Unlock()
	return c.InitErr
}

func (c *Conference) RefreshToken(_ context.Context, token string) error {
	c.record("refresh_token")
	c.mu.Lock()
	c.tokens = append(c.tokens, token)
	c.mu.Unlock()
	return nil
}

func (c *Conference) Events() <-chan core.Event { return c.events }

func (c *Conference) Open(context.Context, string) (domain.ParticipantID, error) {
	c.record("open")
	return c.LocalID, nil
}

func (c *Conference) Join(context.Context, string) error {
	c.record("join")
	return c.JoinErr
}

func (c *Conference) Demo(context.Context) error {
	c.record("demo")
	return c.JoinErr
}

func (c *Conference) Leave(context.Context) error {
	c.record("leave")
	return nil
}

func (c *Conference) CloseSession(context.Context) error {
	c.record("close_session")
	return nil
}

func (c *Conference) Mute(context.Context, bool) error {
	c.record("mute")
	return c.MuteErr
}

func (c *Conference) MuteOutput(context.Context, bool) error {
	c.record("mute_output")
	return c.MuteErr
}

func (c *Conference) UpdateSpatial(_ context.Context, batch domain.SpatialBatch) error {
	c.record("spatial")
	c.mu.Lock()
	c.spatial = append(c.spatial, batch)
	c.mu.Unlock()
	return c.SpatialErr
}

func (c *Conference) SetVideoSink(_ context.Context, track domain.VideoTrack, sink core.FrameSink) error {
	c.record("set_video_sink")
	c.mu.Lock()
	c.sinks[track.TrackID] = sink
	c.mu.Unlock()
	return nil
}

func (c *Conference) Devices() core.DeviceManager { return (*deviceManager)(c) }

func (c *Conference) Close() error {
	c.record("close")
	return nil
}

type deviceManager Conference

func (d *deviceManager) AudioDevices(context.Context) ([]domain.Device, error) {
	(*Conference)(d).record("audio_devices")
	return slices.Clone(d.DeviceList), d.AudioDevErr
}

func (d *deviceManager) SetInputDevice(_ context.Context, dev domain.Device) error {
	(*Conference)(d).record("set_input_device")
	if !slices.Contains(d.DeviceList, dev) {
		return ErrUnknownDevice
	}
	d.mu.Lock()
	d.inputDev = dev
	d.mu.Unlock()
	return nil
}

func (d *deviceManager) SetOutputDevice(_ context.Context, dev domain.Device) error {
	(*Conference)(d).record("set_output_device")
	if !slices.Contains(d.DeviceList, dev) {
		return ErrUnknownDevice
	}
	d.mu.Lock()
	d.outDev = dev
	d.mu.Unlock()
	return nil
}
