package signal

import (
	"strings"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
)

// Message types spoken with the signaling server.
const (
	typeJoin         = "join"
	typeDemo         = "demo"
	typeLeave        = "leave"
	typeRename       = "rename"
	typeWhoAmI       = "whoami"
	typeOffer        = "offer"
	typeAnswer       = "answer"
	typeCandidate    = "candidate"
	typePing         = "ping"
	typePong         = "pong"
	typeMute         = "mute"
	typeMuteOutput   = "mute_output"
	typeSpatial      = "spatial"
	typeRefreshToken = "refresh_token"

	typeRoomState       = "room_state"
	typeMemberJoined    = "member_joined"
	typeMemberUpdated   = "member_updated"
	typeMemberLeft      = "member_left"
	typeLeft            = "left"
	typeVideoForwarding = "video_forwarding"
	typeActiveSpeakers  = "active_speakers"
	typeAudioLevels     = "audio_levels"
	typeTokenExpiring   = "token_expiring"
	typeTokenRefreshed  = "token_refreshed"
	typeError           = "error"
)

type member struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	ExternalID string `json:"external_id,omitempty"`
	Status     string `json:"status,omitempty"`
}

func (m member) participant(fallback domain.ParticipantStatus) domain.Participant {
	status := domain.ParticipantStatus(m.Status)
	if status == "" {
		status = fallback
	}
	return domain.Participant{
		ID:         domain.ParticipantID(m.ID),
		Name:       m.Username,
		ExternalID: m.ExternalID,
		Status:     status,
	}
}

type trackRef struct {
	TrackID       string `json:"track_id"`
	ParticipantID string `json:"participant_id"`
}

func (t trackRef) track() domain.VideoTrack {
	return domain.VideoTrack{TrackID: domain.TrackID(t.TrackID), ParticipantID: domain.ParticipantID(t.ParticipantID)}
}

type level struct {
	ParticipantID string  `json:"participant_id"`
	Level         float32 `json:"level"`
}

// inbound is every field any server message may carry.
type inbound struct {
	Type string `json:"type"`

	ID       string   `json:"id,omitempty"`
	Username string   `json:"username,omitempty"`
	Room     string   `json:"room,omitempty"`
	Members  []member `json:"members,omitempty"`
	User     *member  `json:"user,omitempty"`

	SDP           string `json:"sdp,omitempty"`
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`

	Enabled  []trackRef `json:"enabled,omitempty"`
	Disabled []trackRef `json:"disabled,omitempty"`
	Speakers []string   `json:"speakers,omitempty"`
	Levels   []level    `json:"levels,omitempty"`

	Error string `json:"error,omitempty"`
}

type spatialPayload struct {
	Type      string                                          `json:"type"`
	Positions map[domain.ParticipantID]domain.SpatialPosition `json:"positions"`
	Direction domain.SpatialDirection                         `json:"direction"`
}

// translate maps a server message to backend events. Messages that only
// answer requests translate to nothing.
func translate(m inbound) []core.Event {
	switch m.Type {
	case typeRoomState:
		out := make([]core.Event, 0, len(m.Members))
		for _, mem := range m.Members {
			out = append(out, core.ParticipantAdded{Participant: mem.participant(domain.StatusConnected)})
		}
		return out
	case typeMemberJoined:
		if m.User == nil {
			return nil
		}
		return []core.Event{core.ParticipantAdded{Participant: m.User.participant(domain.StatusConnected)}}
	case typeMemberUpdated:
		if m.User == nil {
			return nil
		}
		return []core.Event{core.ParticipantUpdated{Participant: m.User.participant(domain.StatusConnected)}}
	case typeMemberLeft:
		if m.User == nil {
			return nil
		}
		p := m.User.participant(domain.StatusLeft)
		return []core.Event{core.ParticipantUpdated{Participant: p}, core.ParticipantRemoved{ID: p.ID}}
	case typeVideoForwarding:
		ev := core.VideoForwardingChanged{}
		for _, t := range m.Enabled {
			ev.Enabled = append(ev.Enabled, t.track())
		}
		for _, t := range m.Disabled {
			ev.Disabled = append(ev.Disabled, t.track())
		}
		return []core.Event{ev}
	case typeActiveSpeakers:
		ids := make([]domain.ParticipantID, 0, len(m.Speakers))
		for _, id := range m.Speakers {
			ids = append(ids, domain.ParticipantID(id))
		}
		return []core.Event{core.ActiveSpeakersChanged{Speakers: ids}}
	case typeAudioLevels:
		levels := make([]domain.AudioLevel, 0, len(m.Levels))
		for _, l := range m.Levels {
			levels = append(levels, domain.AudioLevel{ParticipantID: domain.ParticipantID(l.ParticipantID), Level: l.Level})
		}
		return []core.Event{core.AudioLevelsChanged{Levels: levels}}
	case typeTokenExpiring:
		return []core.Event{core.RefreshTokenRequested{}}
	default:
		return nil
	}
}

// parseStreamID splits a remote stream ID of the form "<participant>|<track>".
// Streams without a separator belong to the participant named by the whole ID.
func parseStreamID(streamID, trackID string) domain.VideoTrack {
	pid, tid, ok := strings.Cut(streamID, "|")
	if !ok || tid == "" {
		tid = trackID
	}
	return domain.VideoTrack{TrackID: domain.TrackID(tid), ParticipantID: domain.ParticipantID(pid)}
}

type outbound struct {
	Type          string  `json:"type"`
	Room          string  `json:"room,omitempty"`
	Name          string  `json:"name,omitempty"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Muted         *bool   `json:"muted,omitempty"`
	Token         string  `json:"token,omitempty"`
}
