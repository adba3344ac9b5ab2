// Package session owns one conference session: the connection state
// machine, the participant registry, device bookkeeping, spatial updates and
// the reconciliation of video track events. It is the only place that calls
// into the conferencing backend.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/app/devices"
	"github.com/dkeye/voicebridge/internal/app/events"
	"github.com/dkeye/voicebridge/internal/app/reconciler"
	"github.com/dkeye/voicebridge/internal/app/spatial"
	"github.com/dkeye/voicebridge/internal/app/video"
	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
)

type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnecting
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// DemoConference joins the backend's demo conference instead of a named one.
const DemoConference = "demo"

var (
	ErrEmptyToken     = errors.New("token cannot be empty")
	ErrNotInitialized = errors.New("must initialize first")
	ErrMustDisconnect = errors.New("must disconnect first")
)

type Params struct {
	Conference core.Conference
	Hub        *events.Hub
	// SpatialInterval is the period of spatial audio updates; zero disables them.
	SpatialInterval time.Duration
}

type viewpoint struct {
	position domain.Vector
	rotation domain.Rotator
	dirty    bool
}

type Session struct {
	conf            core.Conference
	hub             *events.Hub
	spatialInterval time.Duration

	participants *Participants
	tracks       *reconciler.Reconciler
	sinks        *video.Registry
	devices      *devices.Registry

	tokenMu sync.Mutex
	// trackMu orders sink registration, surface callbacks and track removal.
	trackMu sync.Mutex

	mu             sync.Mutex
	initialized    bool
	refreshPending bool
	status         Status
	localID        domain.ParticipantID
	demo           bool
	demoBots       []domain.ParticipantID
	view           viewpoint
	orbit          spatial.Orbit
}

func New(p Params) *Session {
	s := &Session{
		conf:            p.Conference,
		hub:             p.Hub,
		spatialInterval: p.SpatialInterval,
		participants:    NewParticipants(),
		sinks:           video.NewRegistry(),
		devices:         devices.NewRegistry(p.Conference.Devices(), p.Hub),
	}
	s.tracks = reconciler.New(reconciler.EmitterFunc(s.emitTrack))
	return s
}

// Run asks the host for a token, then pumps backend events and spatial
// updates until ctx ends. Conference state is discarded on return.
func (s *Session) Run(ctx context.Context) error {
	s.hub.Publish(events.Event{Name: events.TokenNeeded})

	var tick <-chan time.Time
	if s.spatialInterval > 0 {
		t := time.NewTicker(s.spatialInterval)
		defer t.Stop()
		tick = t.C
	}

	backend := s.conf.Events()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.session").Msg("session loop done")
			s.teardown()
			return nil
		case ev, ok := <-backend:
			if !ok {
				log.Warn().Str("module", "app.session").Msg("backend event channel closed")
				backend = nil
				continue
			}
			s.Handle(ctx, ev)
		case <-tick:
			if err := s.PushViewPoint(ctx); err != nil {
				s.report("update spatial audio", err)
			}
		}
	}
}

// SetToken initializes the backend on first use. Afterwards it answers a
// pending refresh request; a token nobody asked for is ignored.
func (s *Session) SetToken(ctx context.Context, token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	s.mu.Lock()
	initialized, refresh := s.initialized, s.refreshPending
	s.refreshPending = false
	s.mu.Unlock()

	switch {
	case !initialized:
		return s.initialize(ctx, token)
	case refresh:
		log.Info().Str("module", "app.session").Msg("refreshing token")
		if err := s.conf.RefreshToken(ctx, token); err != nil {
			s.report("refresh token", err)
			return fmt.Errorf("refresh token: %w", err)
		}
		return nil
	default:
		log.Debug().Str("module", "app.session").Msg("token ignored, no refresh requested")
		return nil
	}
}

func (s *Session) initialize(ctx context.Context, token string) error {
	log.Info().Str("module", "app.session").Msg("initializing")
	if err := s.conf.Init(ctx, token); err != nil {
		s.report("initialize", err)
		return fmt.Errorf("initialize: %w", err)
	}
	if err := s.devices.Load(ctx); err != nil {
		s.report("initialize", err)
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	log.Info().Str("module", "app.session").Msg("initialized")
	s.hub.Publish(events.Event{Name: events.Initialized})
	return nil
}

// Connect opens a user session and joins conference. The conference named
// DemoConference joins the backend's demo instead.
func (s *Session) Connect(ctx context.Context, conference, user string) error {
	if err := domain.ValidateName(conference); err != nil {
		return fmt.Errorf("conference name: %w", err)
	}
	if err := domain.ValidateName(user); err != nil {
		return fmt.Errorf("user name: %w", err)
	}

	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if s.status != StatusDisconnected {
		s.mu.Unlock()
		return ErrMustDisconnect
	}
	prev := s.status
	s.status = StatusConnecting
	s.demo = conference == DemoConference
	s.demoBots = nil
	s.mu.Unlock()
	s.announce(prev, StatusConnecting)

	log.Info().Str("module", "app.session").Str("conference", conference).Str("user", user).Msg("connecting")
	localID, err := s.connect(ctx, conference, user)
	if err != nil {
		s.teardown()
		s.setStatus(StatusDisconnected)
		s.report("connect", err)
		return fmt.Errorf("connect: %w", err)
	}

	s.mu.Lock()
	s.localID = localID
	s.mu.Unlock()
	s.setStatus(StatusConnected)
	s.hub.Publish(events.Event{
		Name:        events.Connected,
		Participant: &domain.Participant{ID: localID, Name: user, Status: domain.StatusConnected},
	})
	return nil
}

func (s *Session) connect(ctx context.Context, conference, user string) (domain.ParticipantID, error) {
	localID, err := s.conf.Open(ctx, user)
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	s.mu.Lock()
	s.localID = localID
	s.mu.Unlock()

	if conference == DemoConference {
		err = s.conf.Demo(ctx)
	} else {
		err = s.conf.Join(ctx, conference)
	}
	if err != nil {
		if cerr := s.conf.CloseSession(ctx); cerr != nil {
			log.Error().Err(cerr).Str("module", "app.session").Msg("close session after failed join")
		}
		return "", fmt.Errorf("join %q: %w", conference, err)
	}
	return localID, nil
}

// Disconnect leaves the conference. It is a no-op unless connected.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusConnected {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusDisconnecting
	s.mu.Unlock()
	s.announce(StatusConnected, StatusDisconnecting)

	var errs error
	if err := s.conf.Leave(ctx); err != nil {
		errs = errors.Join(errs, fmt.Errorf("leave: %w", err))
	}
	if err := s.conf.CloseSession(ctx); err != nil {
		errs = errors.Join(errs, fmt.Errorf("close session: %w", err))
	}
	s.teardown()
	s.setStatus(StatusDisconnected)
	if errs != nil {
		s.report("disconnect", errs)
	}
	return errs
}

func (s *Session) MuteInput(ctx context.Context, muted bool) error {
	if !s.connected() {
		return nil
	}
	if err := s.conf.Mute(ctx, muted); err != nil {
		s.report("mute input", err)
		return err
	}
	log.Info().Str("module", "app.session").Bool("muted", muted).Msg("input mute changed")
	return nil
}

func (s *Session) MuteOutput(ctx context.Context, muted bool) error {
	if !s.connected() {
		return nil
	}
	if err := s.conf.MuteOutput(ctx, muted); err != nil {
		s.report("mute output", err)
		return err
	}
	log.Info().Str("module", "app.session").Bool("muted", muted).Msg("output mute changed")
	return nil
}

func (s *Session) SetInputDevice(ctx context.Context, index int) error {
	if !s.isInitialized() {
		return ErrNotInitialized
	}
	if err := s.devices.SetInput(ctx, index); err != nil {
		s.report("set input device", err)
		return err
	}
	return nil
}

func (s *Session) SetOutputDevice(ctx context.Context, index int) error {
	if !s.isInitialized() {
		return ErrNotInitialized
	}
	if err := s.devices.SetOutput(ctx, index); err != nil {
		s.report("set output device", err)
		return err
	}
	return nil
}

// UpdateViewPoint records the listener's location; it is sent on the next spatial tick.
func (s *Session) UpdateViewPoint(position domain.Vector, rotation domain.Rotator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = viewpoint{position: position, rotation: rotation, dirty: true}
}

// PushViewPoint sends the latest viewpoint. Nothing is sent unless connected
// and either the viewpoint changed or demo bots need to move.
func (s *Session) PushViewPoint(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusConnected || (!s.view.dirty && !s.demo) {
		s.mu.Unlock()
		return nil
	}
	batch := spatial.Batch(s.localID, s.view.position, s.view.rotation)
	if s.demo {
		s.orbit.Next(&batch, s.demoBots)
	}
	s.view.dirty = false
	s.mu.Unlock()

	return s.conf.UpdateSpatial(ctx, batch)
}

func (s *Session) BindMaterial(material string, track domain.TrackID) error {
	return s.sinks.Bind(material, track)
}

func (s *Session) UnbindMaterial(material string, track domain.TrackID) {
	s.sinks.Unbind(material, track)
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) LocalID() domain.ParticipantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localID
}

func (s *Session) Participants() []domain.Participant { return s.participants.Snapshot() }

func (s *Session) Devices() devices.Snapshot { return s.devices.Snapshot() }

func (s *Session) VideoSinks() []video.Info { return s.sinks.Snapshot() }

func (s *Session) PendingTracks() reconciler.Stats { return s.tracks.Stats() }

// Handle applies one backend event. Run calls it for every event; it is
// exported so the event source can be driven directly.
func (s *Session) Handle(ctx context.Context, ev core.Event) {
	switch e := ev.(type) {
	case core.ParticipantAdded:
		s.onParticipant(e.Participant, true)
	case core.ParticipantUpdated:
		s.onParticipant(e.Participant, false)
	case core.ParticipantRemoved:
		p, _ := s.participants.Get(e.ID)
		log.Info().Str("module", "app.session").Str("participant_id", string(e.ID)).Str("name", p.Name).Msg("participant removed, record kept")
	case core.RemoteVideoTrackAdded:
		s.onVideoTrackAdded(ctx, e.Track)
	case core.RemoteVideoTrackRemoved:
		s.trackMu.Lock()
		s.sinks.Remove(e.Track.TrackID)
		s.tracks.OnTrackRemoved(e.Track)
		s.trackMu.Unlock()
	case core.VideoForwardingChanged:
		for _, t := range e.Enabled {
			s.tracks.OnTrackEnabled(t)
		}
		for _, t := range e.Disabled {
			s.tracks.OnTrackDisabled(t)
		}
	case core.ActiveSpeakersChanged:
		s.hub.Publish(events.Event{Name: events.ActiveSpeakersChanged, Speakers: e.Speakers})
	case core.AudioLevelsChanged:
		s.hub.Publish(events.Event{Name: events.AudioLevelsChanged, Levels: e.Levels})
	case core.DeviceAdded:
		s.devices.OnAdded(e.Device)
	case core.DeviceRemoved:
		s.devices.OnRemoved(e.ID)
	case core.DeviceChanged:
		if e.NoDevice {
			s.devices.OnChangedToNone(e.Device.Direction)
		} else {
			s.devices.OnChanged(e.Device, e.Utilized)
		}
	case core.RefreshTokenRequested:
		log.Info().Str("module", "app.session").Msg("refresh token requested")
		s.mu.Lock()
		s.refreshPending = true
		s.mu.Unlock()
		s.hub.Publish(events.Event{Name: events.TokenNeeded})
	case core.ConnectionLost:
		s.report("connection lost", e.Err)
		s.teardown()
		s.setStatus(StatusDisconnected)
	default:
		log.Warn().Str("module", "app.session").Str("event", fmt.Sprintf("%T", ev)).Msg("unknown backend event")
	}
}

// onParticipant ignores participants the backend has not given a status yet.
func (s *Session) onParticipant(p domain.Participant, added bool) {
	if added {
		s.mu.Lock()
		if s.demo && p.ID != s.localID && !slices.Contains(s.demoBots, p.ID) {
			s.demoBots = append(s.demoBots, p.ID)
		}
		s.mu.Unlock()
	}
	if p.Status == "" {
		return
	}
	s.participants.Upsert(p)

	name := events.ParticipantUpdated
	if added {
		name = events.ParticipantAdded
	}
	s.hub.Publish(events.Event{Name: name, Status: string(p.Status), Participant: &p})
	s.tracks.OnParticipantKnown(p.ID)
}

func (s *Session) onVideoTrackAdded(ctx context.Context, t domain.VideoTrack) {
	s.trackMu.Lock()
	s.tracks.OnTrackAdded(t)
	sink := s.sinks.Add(t)
	s.trackMu.Unlock()

	sink.OnSurfaceReady(func() { s.onSurfaceReady(t, sink) })
	if err := s.conf.SetVideoSink(ctx, t, sink); err != nil {
		s.report("set video sink", err)
	}
}

// onSurfaceReady runs on the media goroutine. Only the sink currently
// registered for the track may release its enabled notification.
func (s *Session) onSurfaceReady(t domain.VideoTrack, sink *video.Sink) {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	if cur, ok := s.sinks.Get(t.TrackID); !ok || cur != sink {
		log.Debug().Str("module", "app.session").Str("track_id", string(t.TrackID)).Msg("surface of replaced sink ignored")
		return
	}
	s.tracks.OnSurfaceReady(t)
}

func (s *Session) emitTrack(n reconciler.Notification) {
	var name events.Name
	switch n.Kind {
	case reconciler.TrackAdded:
		name = events.VideoTrackAdded
	case reconciler.TrackEnabled:
		name = events.VideoTrackEnabled
	case reconciler.TrackDisabled:
		name = events.VideoTrackDisabled
	case reconciler.TrackRemoved:
		name = events.VideoTrackRemoved
	}
	t := n.Track
	log.Info().
		Str("module", "app.session").
		Str("track_id", string(t.TrackID)).
		Str("participant_id", string(t.ParticipantID)).
		Msg("video track " + n.Kind.String())
	s.hub.Publish(events.Event{Name: name, Track: &t})
}

// teardown drops everything scoped to the current conference.
func (s *Session) teardown() {
	s.trackMu.Lock()
	s.tracks.Reset()
	s.sinks.Reset()
	s.trackMu.Unlock()
	s.participants.Clear()
	s.mu.Lock()
	s.localID = ""
	s.demo = false
	s.demoBots = nil
	s.view.dirty = false
	s.mu.Unlock()
}

func (s *Session) setStatus(to Status) {
	s.mu.Lock()
	prev := s.status
	s.status = to
	s.mu.Unlock()
	s.announce(prev, to)
}

func (s *Session) announce(prev, to Status) {
	if prev == to {
		return
	}
	log.Info().Str("module", "app.session").Str("from", prev.String()).Str("to", to.String()).Msg("status changed")
	s.hub.Publish(events.Event{Name: events.StatusChanged, Status: to.String()})
	if to == StatusDisconnected {
		s.hub.Publish(events.Event{Name: events.Disconnected})
	}
}

func (s *Session) connected() bool { return s.Status() == StatusConnected }

func (s *Session) isInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// report is the session's error sink. Nothing is retried.
func (s *Session) report(op string, err error) {
	log.Error().Err(err).Str("module", "app.session").Str("op", op).Msg("operation failed")
	s.hub.Publish(events.Event{Name: events.Error, Error: op + ": " + err.Error()})
}
