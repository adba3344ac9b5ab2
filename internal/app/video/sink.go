// Package video keeps one sink per remote video track. A sink is the
// renderable surface of its track: it becomes ready on the first complete
// frame, and render targets ("materials") bind to it.
package video

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/dkeye/voicebridge/internal/domain"
)

var ErrSinkClosed = errors.New("sink closed")

type SinkState int32

const (
	SinkStateWaiting SinkState = iota
	SinkStateReady
	SinkStateClosed
)

func (s SinkState) String() string {
	switch s {
	case SinkStateWaiting:
		return "waiting"
	case SinkStateReady:
		return "ready"
	case SinkStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink implements core.FrameSink.
type Sink struct {
	track domain.VideoTrack
	state atomic.Int32 // Zero by default (SinkStateWaiting)

	packets   atomic.Uint64
	frames    atomic.Uint64
	timestamp atomic.Uint32

	mu        sync.Mutex
	onReady   []func()
	materials map[string]struct{}
}

func NewSink(track domain.VideoTrack) *Sink {
	return &Sink{track: track, materials: make(map[string]struct{})}
}

func (s *Sink) Track() domain.VideoTrack { return s.track }

func (s *Sink) State() SinkState { return SinkState(s.state.Load()) }

// WriteRTP counts the packet; a marker bit closes a frame, and the first
// closed frame makes the surface ready.
func (s *Sink) WriteRTP(pkt *rtp.Packet) error {
	if s.State() == SinkStateClosed {
		return ErrSinkClosed
	}
	s.packets.Add(1)
	s.timestamp.Store(pkt.Timestamp)
	if !pkt.Marker {
		return nil
	}
	s.frames.Add(1)
	if s.state.CompareAndSwap(int32(SinkStateWaiting), int32(SinkStateReady)) {
		s.mu.Lock()
		cbs := s.onReady
		s.onReady = nil
		s.mu.Unlock()
		for _, fn := range cbs {
			fn()
		}
	}
	return nil
}

// OnSurfaceReady runs fn once the surface exists; immediately if it already does.
func (s *Sink) OnSurfaceReady(fn func()) {
	s.mu.Lock()
	if s.State() == SinkStateWaiting {
		s.onReady = append(s.onReady, fn)
		s.mu.Unlock()
		return
	}
	ready := s.State() == SinkStateReady
	s.mu.Unlock()
	if ready {
		fn()
	}
}

func (s *Sink) Bind(material string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.materials[material] = struct{}{}
}

func (s *Sink) Unbind(material string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.materials, material)
}

// UnbindAll detaches every material and returns them sorted.
func (s *Sink) UnbindAll() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.materials))
	for m := range s.materials {
		out = append(out, m)
	}
	clear(s.materials)
	slices.Sort(out)
	return out
}

func (s *Sink) Materials() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.materials))
	for m := range s.materials {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// Close drops pending ready callbacks; later packets are refused.
func (s *Sink) Close() {
	s.state.Store(int32(SinkStateClosed))
	s.mu.Lock()
	s.onReady = nil
	s.mu.Unlock()
}

type Info struct {
	Track     domain.VideoTrack `json:"track"`
	State     string            `json:"state"`
	Packets   uint64            `json:"packets"`
	Frames    uint64            `json:"frames"`
	Timestamp uint32            `json:"rtp_timestamp"`
	Materials []string          `json:"materials"`
}

func (s *Sink) Info() Info {
	return Info{
		Track:     s.track,
		State:     s.State().String(),
		Packets:   s.packets.Load(),
		Frames:    s.frames.Load(),
		Timestamp: s.timestamp.Load(),
		Materials: s.Materials(),
	}
}
