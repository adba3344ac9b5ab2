package session

import (
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/domain"
)

// Participants is the registry of remote participants seen in the conference.
// Records are kept after a participant leaves and dropped only by Clear.
type Participants struct {
	mu      sync.RWMutex
	records map[domain.ParticipantID]domain.Participant
}

func NewParticipants() *Participants {
	return &Participants{records: make(map[domain.ParticipantID]domain.Participant)}
}

// Upsert stores p and reports whether it was new.
func (r *Participants) Upsert(p domain.Participant) (created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[p.ID]
	r.records[p.ID] = p
	log.Info().
		Str("module", "app.participants").
		Str("participant_id", string(p.ID)).
		Str("name", p.Name).
		Str("external_id", p.ExternalID).
		Str("status", string(p.Status)).
		Bool("created", !ok).
		Msg("participant stored")
	return !ok
}

func (r *Participants) Get(id domain.ParticipantID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.records[id]
	return p, ok
}

// Snapshot returns every record ordered by ID.
func (r *Participants) Snapshot() []domain.Participant {
	r.mu.RLock()
	out := make([]domain.Participant, 0, len(r.records))
	for _, p := range r.records {
		out = append(out, p)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Participant) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (r *Participants) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.records)
	log.Info().Str("module", "app.participants").Msg("participants cleared")
}
