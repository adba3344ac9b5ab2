package domain

type TrackID string

// VideoTrack is a remote video feed announced by the backend.
type VideoTrack struct {
	TrackID       TrackID       `json:"track_id"`
	ParticipantID ParticipantID `json:"participant_id"`
}
