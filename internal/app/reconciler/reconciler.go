// Package reconciler orders video track notifications against participant
// notifications. The backend announces participants and their tracks on
// independent streams, so a track may show up before its owner, and a track
// may be reported as forwarded before its surface exists. Consumers of the
// reconciler only ever see:
//
//	added   after the owning participant is known
//	enabled after added, and after the track's surface is ready
//
// Buffered notifications are replayed per participant in arrival order.
package reconciler

import (
	"sync"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/domain"
)

type Kind int

const (
	TrackAdded Kind = iota
	TrackEnabled
	TrackDisabled
	TrackRemoved
)

func (k Kind) String() string {
	switch k {
	case TrackAdded:
		return "added"
	case TrackEnabled:
		return "enabled"
	case TrackDisabled:
		return "disabled"
	case TrackRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

type Notification struct {
	Kind  Kind
	Track domain.VideoTrack
}

// Emitter receives reconciled notifications, one at a time, in order.
type Emitter interface {
	Emit(Notification)
}

type EmitterFunc func(Notification)

func (f EmitterFunc) Emit(n Notification) { f(n) }

type trackQueue = deque.Deque[domain.VideoTrack]

// Reconciler is safe for concurrent use. Notifications are emitted after the
// state lock is released, so an Emitter may call back into the Reconciler.
// A notification produced by one caller may be emitted by another caller that
// is already draining the outbox; emission order always matches the order in
// which the state changes happened.
type Reconciler struct {
	emitter Emitter

	mu             sync.Mutex
	known          map[domain.ParticipantID]struct{}
	pendingAdded   map[domain.ParticipantID]*trackQueue
	pendingEnabled map[domain.ParticipantID]*trackQueue
	delivered      map[domain.TrackID]struct{}
	surfaces       map[domain.TrackID]struct{}
	// removed holds tracks gone since their last added; a late surface for one is stale.
	removed map[domain.TrackID]struct{}

	outbox   *deque.Deque[Notification]
	draining bool
}

func New(emitter Emitter) *Reconciler {
	r := &Reconciler{emitter: emitter}
	r.resetLocked()
	return r
}

func (r *Reconciler) resetLocked() {
	r.known = make(map[domain.ParticipantID]struct{})
	r.pendingAdded = make(map[domain.ParticipantID]*trackQueue)
	r.pendingEnabled = make(map[domain.ParticipantID]*trackQueue)
	r.delivered = make(map[domain.TrackID]struct{})
	r.surfaces = make(map[domain.TrackID]struct{})
	r.removed = make(map[domain.TrackID]struct{})
	r.outbox = deque.New[Notification]()
}

// OnParticipantKnown releases every track buffered for pid.
func (r *Reconciler) OnParticipantKnown(pid domain.ParticipantID) {
	r.mu.Lock()
	r.known[pid] = struct{}{}
	if q, ok := r.pendingAdded[pid]; ok {
		delete(r.pendingAdded, pid)
		log.Debug().Str("module", "app.reconciler").Str("participant_id", string(pid)).Int("tracks", q.Len()).Msg("replaying buffered tracks")
		for q.Len() > 0 {
			r.deliverLocked(q.PopFront())
		}
	}
	r.mu.Unlock()
	r.flush()
}

func (r *Reconciler) OnTrackAdded(t domain.VideoTrack) {
	r.mu.Lock()
	delete(r.removed, t.TrackID)
	switch {
	case r.isDeliveredLocked(t.TrackID) || contains(r.pendingAdded[t.ParticipantID], t.TrackID):
		log.Warn().Str("module", "app.reconciler").Str("track_id", string(t.TrackID)).Msg("duplicate track added ignored")
	case r.isKnownLocked(t.ParticipantID):
		r.deliverLocked(t)
	default:
		log.Info().Str("module", "app.reconciler").Str("track_id", string(t.TrackID)).Str("participant_id", string(t.ParticipantID)).Msg("buffering video track added")
		pushBack(r.pendingAdded, t)
	}
	r.mu.Unlock()
	r.flush()
}

func (r *Reconciler) OnTrackEnabled(t domain.VideoTrack) {
	r.mu.Lock()
	switch {
	case r.isDeliveredLocked(t.TrackID) && r.isSurfaceReadyLocked(t.TrackID):
		r.outbox.PushBack(Notification{Kind: TrackEnabled, Track: t})
	case contains(r.pendingEnabled[t.ParticipantID], t.TrackID):
	default:
		log.Info().Str("module", "app.reconciler").Str("track_id", string(t.TrackID)).Str("participant_id", string(t.ParticipantID)).Msg("buffering video track enabled")
		pushBack(r.pendingEnabled, t)
	}
	r.mu.Unlock()
	r.flush()
}

// OnTrackDisabled cancels a still buffered enabled notification for the same
// track; otherwise disabled is emitted right away.
func (r *Reconciler) OnTrackDisabled(t domain.VideoTrack) {
	r.mu.Lock()
	if _, ok := take(r.pendingEnabled, t.ParticipantID, t.TrackID); !ok {
		r.outbox.PushBack(Notification{Kind: TrackDisabled, Track: t})
	}
	r.mu.Unlock()
	r.flush()
}

// OnSurfaceReady marks the track's renderable surface as created. A surface
// reported after the track was removed belongs to the old track and is dropped.
func (r *Reconciler) OnSurfaceReady(t domain.VideoTrack) {
	r.mu.Lock()
	if _, gone := r.removed[t.TrackID]; gone {
		r.mu.Unlock()
		log.Debug().Str("module", "app.reconciler").Str("track_id", string(t.TrackID)).Msg("stale surface ignored")
		return
	}
	r.surfaces[t.TrackID] = struct{}{}
	if r.isDeliveredLocked(t.TrackID) {
		r.releaseEnabledLocked(t)
	}
	r.mu.Unlock()
	r.flush()
}

// OnTrackRemoved always emits removed and forgets the track, so a removed
// track is never replayed.
func (r *Reconciler) OnTrackRemoved(t domain.VideoTrack) {
	r.mu.Lock()
	for pid := range r.pendingAdded {
		take(r.pendingAdded, pid, t.TrackID)
	}
	for pid := range r.pendingEnabled {
		take(r.pendingEnabled, pid, t.TrackID)
	}
	delete(r.delivered, t.TrackID)
	delete(r.surfaces, t.TrackID)
	r.removed[t.TrackID] = struct{}{}
	r.outbox.PushBack(Notification{Kind: TrackRemoved, Track: t})
	r.mu.Unlock()
	r.flush()
}

// Reset discards all state and anything not yet emitted.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.resetLocked()
	r.mu.Unlock()
}

type Stats struct {
	KnownParticipants int
	PendingAdded      int
	PendingEnabled    int
	Delivered         int
}

func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{KnownParticipants: len(r.known), Delivered: len(r.delivered)}
	for _, q := range r.pendingAdded {
		s.PendingAdded += q.Len()
	}
	for _, q := range r.pendingEnabled {
		s.PendingEnabled += q.Len()
	}
	return s
}

func (r *Reconciler) deliverLocked(t domain.VideoTrack) {
	r.delivered[t.TrackID] = struct{}{}
	r.outbox.PushBack(Notification{Kind: TrackAdded, Track: t})
	if r.isSurfaceReadyLocked(t.TrackID) {
		r.releaseEnabledLocked(t)
	}
}

func (r *Reconciler) releaseEnabledLocked(t domain.VideoTrack) {
	if enabled, ok := take(r.pendingEnabled, t.ParticipantID, t.TrackID); ok {
		r.outbox.PushBack(Notification{Kind: TrackEnabled, Track: enabled})
	}
}

func (r *Reconciler) isKnownLocked(pid domain.ParticipantID) bool {
	_, ok := r.known[pid]
	return ok
}

func (r *Reconciler) isDeliveredLocked(id domain.TrackID) bool {
	_, ok := r.delivered[id]
	return ok
}

func (r *Reconciler) isSurfaceReadyLocked(id domain.TrackID) bool {
	_, ok := r.surfaces[id]
	return ok
}

// flush emits queued notifications unless another caller is already doing it.
func (r *Reconciler) flush() {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return
	}
	r.draining = true
	for r.outbox.Len() > 0 {
		n := r.outbox.PopFront()
		r.mu.Unlock()
		r.emitter.Emit(n)
		r.mu.Lock()
	}
	r.draining = false
	r.mu.Unlock()
}

func pushBack(m map[domain.ParticipantID]*trackQueue, t domain.VideoTrack) {
	q, ok := m[t.ParticipantID]
	if !ok {
		q = deque.New[domain.VideoTrack]()
		m[t.ParticipantID] = q
	}
	q.PushBack(t)
}

// take removes every entry for id from m[pid], keeping the order of the rest,
// and returns the first removed entry.
func take(m map[domain.ParticipantID]*trackQueue, pid domain.ParticipantID, id domain.TrackID) (domain.VideoTrack, bool) {
	q, ok := m[pid]
	if !ok {
		return domain.VideoTrack{}, false
	}
	var (
		first domain.VideoTrack
		found bool
	)
	for i, n := 0, q.Len(); i < n; i++ {
		t := q.PopFront()
		if t.TrackID == id {
			if !found {
				first, found = t, true
			}
			continue
		}
		q.PushBack(t)
	}
	if q.Len() == 0 {
		delete(m, pid)
	}
	return first, found
}

func contains(q *trackQueue, id domain.TrackID) bool {
	if q == nil {
		return false
	}
	for i := 0; i < q.Len(); i++ {
		if q.At(i).TrackID == id {
			return true
		}
	}
	return false
}
