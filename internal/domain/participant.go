// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxNameLen = 36
)

var (
	ErrNameTooLong = errors.New("name too long")
	ErrNameEmpty   = errors.New("name empty")
)

type ParticipantID string

// ParticipantStatus mirrors the backend's participant status.
// The empty status means the backend has not classified the participant yet.
type ParticipantStatus string

const (
	StatusReserved   ParticipantStatus = "reserved"
	StatusInactive   ParticipantStatus = "inactive"
	StatusDecline    ParticipantStatus = "decline"
	StatusConnected  ParticipantStatus = "connected"
	StatusKicked     ParticipantStatus = "kicked"
	StatusLeft       ParticipantStatus = "left"
	StatusWarning    ParticipantStatus = "warning"
	StatusError      ParticipantStatus = "error"
	StatusConnecting ParticipantStatus = "connecting"
)

type Participant struct {
	ID         ParticipantID     `json:"id"`
	Name       string            `json:"name"`
	ExternalID string            `json:"external_id,omitempty"`
	Status     ParticipantStatus `json:"status,omitempty"`
}

// ValidateName checks conference and user names coming from the host.
func ValidateName(name string) error {
	if len(strings.TrimSpace(name)) == 0 {
		return ErrNameEmpty
	}
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	return nil
}

// AudioLevel is the speaking level of one participant in [0, 1].
type AudioLevel struct {
	ParticipantID ParticipantID `json:"participant_id"`
	Level         float32       `json:"level"`
}
