// Package events is the downstream side of the bridge: named notifications
// fanned out to any number of subscribers.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/domain"
)

type Name string

const (
	TokenNeeded                     Name = "token_needed"
	Initialized                     Name = "initialized"
	StatusChanged                   Name = "status_changed"
	Connected                       Name = "connected"
	Disconnected                    Name = "disconnected"
	ParticipantAdded                Name = "participant_added"
	ParticipantUpdated              Name = "participant_updated"
	VideoTrackAdded                 Name = "video_track_added"
	VideoTrackRemoved               Name = "video_track_removed"
	VideoTrackEnabled               Name = "video_track_enabled"
	VideoTrackDisabled              Name = "video_track_disabled"
	ActiveSpeakersChanged           Name = "active_speakers_changed"
	AudioLevelsChanged              Name = "audio_levels_changed"
	AudioInputDevicesReceived       Name = "audio_input_devices_received"
	AudioOutputDevicesReceived      Name = "audio_output_devices_received"
	CurrentAudioInputDeviceChanged  Name = "current_audio_input_device_changed"
	CurrentAudioOutputDeviceChanged Name = "current_audio_output_device_changed"
	Error                           Name = "error"
)

// Event is a single notification. Only the fields relevant to Name are set.
type Event struct {
	Name        Name                   `json:"type"`
	Status      string                 `json:"status,omitempty"`
	Participant *domain.Participant    `json:"participant,omitempty"`
	Track       *domain.VideoTrack     `json:"track,omitempty"`
	Devices     []domain.Device        `json:"devices,omitempty"`
	Device      *domain.Device         `json:"device,omitempty"`
	Speakers    []domain.ParticipantID `json:"speakers,omitempty"`
	Levels      []domain.AudioLevel    `json:"levels,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

type Handler func(Event)

// Publisher is what producers of notifications depend on.
type Publisher interface {
	Publish(Event)
}

type subscriber struct {
	id uint64
	fn Handler
}

// Hub is a threadsafe multicast of Events.
// Handlers run on the publisher's goroutine, outside the hub lock.
type Hub struct {
	mu   sync.RWMutex
	next uint64
	subs []subscriber
}

func NewHub() *Hub {
	return &Hub{}
}

// Subscribe attaches fn and returns a function detaching it. Detaching twice is harmless.
func (h *Hub) Subscribe(fn Handler) (unsubscribe func()) {
	h.mu.Lock()
	h.next++
	id := h.next
	h.subs = append(h.subs, subscriber{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subs {
		if s.id == id {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			return
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers ev to every current subscriber in subscription order.
// With no subscribers the event is dropped.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	snapshot := make([]subscriber, len(h.subs))
	copy(snapshot, h.subs)
	h.mu.RUnlock()

	if len(snapshot) == 0 {
		log.Debug().Str("module", "app.events").Str("event", string(ev.Name)).Msg("no subscribers, event dropped")
		return
	}
	for _, s := range snapshot {
		s.fn(ev)
	}
}
