package video

import (
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/domain"
)

var ErrUnknownTrack = errors.New("unknown video track")

type Registry struct {
	mu    sync.RWMutex
	sinks map[domain.TrackID]*Sink
}

func NewRegistry() *Registry {
	return &Registry{sinks: make(map[domain.TrackID]*Sink)}
}

// Add creates the sink for track, replacing and closing any previous one.
func (r *Registry) Add(track domain.VideoTrack) *Sink {
	sink := NewSink(track)
	r.mu.Lock()
	old, ok := r.sinks[track.TrackID]
	r.sinks[track.TrackID] = sink
	r.mu.Unlock()
	if ok {
		log.Info().Str("module", "app.video").Str("track_id", string(track.TrackID)).Msg("replacing existing sink")
		old.UnbindAll()
		old.Close()
	}
	return sink
}

func (r *Registry) Get(id domain.TrackID) (*Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[id]
	return s, ok
}

// Remove closes the sink and unbinds all of its materials.
func (r *Registry) Remove(id domain.TrackID) {
	r.mu.Lock()
	sink, ok := r.sinks[id]
	delete(r.sinks, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	unbound := sink.UnbindAll()
	sink.Close()
	log.Info().Str("module", "app.video").Str("track_id", string(id)).Strs("materials", unbound).Msg("sink removed")
}

// Bind shows track on material. A material shows at most one track,
// so it is unbound from every other sink first.
func (r *Registry) Bind(material string, id domain.TrackID) error {
	r.mu.RLock()
	snapshot := make(map[domain.TrackID]*Sink, len(r.sinks))
	maps.Copy(snapshot, r.sinks)
	r.mu.RUnlock()

	for tid, s := range snapshot {
		if tid != id {
			s.Unbind(material)
		}
	}
	sink, ok := snapshot[id]
	if !ok {
		return ErrUnknownTrack
	}
	sink.Bind(material)
	return nil
}

func (r *Registry) Unbind(material string, id domain.TrackID) {
	if sink, ok := r.Get(id); ok {
		sink.Unbind(material)
	}
}

// Reset closes every sink.
func (r *Registry) Reset() {
	r.mu.Lock()
	old := r.sinks
	r.sinks = make(map[domain.TrackID]*Sink)
	r.mu.Unlock()
	for _, s := range old {
		s.UnbindAll()
		s.Close()
	}
}

func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	sinks := slices.Collect(maps.Values(r.sinks))
	r.mu.RUnlock()
	out := make([]Info, 0, len(sinks))
	for _, s := range sinks {
		out = append(out, s.Info())
	}
	slices.SortFunc(out, func(a, b Info) int {
		switch {
		case a.Track.TrackID < b.Track.TrackID:
			return -1
		case a.Track.TrackID > b.Track.TrackID:
			return 1
		}
		return 0
	})
	return out
}
