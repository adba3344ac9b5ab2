package core

import "github.com/dkeye/voicebridge/internal/domain"

// Event is a notification coming up from the conferencing backend.
type Event interface {
	isEvent()
}

type ParticipantAdded struct{ Participant domain.Participant }

type ParticipantUpdated struct{ Participant domain.Participant }

type ParticipantRemoved struct{ ID domain.ParticipantID }

type RemoteVideoTrackAdded struct{ Track domain.VideoTrack }

type RemoteVideoTrackRemoved struct{ Track domain.VideoTrack }

// VideoForwardingChanged lists tracks the backend started or stopped forwarding.
type VideoForwardingChanged struct {
	Enabled  []domain.VideoTrack
	Disabled []domain.VideoTrack
}

type ActiveSpeakersChanged struct{ Speakers []domain.ParticipantID }

type AudioLevelsChanged struct{ Levels []domain.AudioLevel }

type DeviceAdded struct{ Device domain.Device }

type DeviceRemoved struct{ ID domain.DeviceID }

// DeviceChanged reports the device now used for the Utilized directions.
// NoDevice means the directions of Device lost their current device.
type DeviceChanged struct {
	Device   domain.Device
	Utilized domain.Direction
	NoDevice bool
}

type RefreshTokenRequested struct{}

// ConnectionLost is sent when the backend drops the conference on its own.
type ConnectionLost struct{ Err error }

func (ParticipantAdded) isEvent()        {}
func (ParticipantUpdated) isEvent()      {}
func (ParticipantRemoved) isEvent()      {}
func (RemoteVideoTrackAdded) isEvent()   {}
func (RemoteVideoTrackRemoved) isEvent() {}
func (VideoForwardingChanged) isEvent()  {}
func (ActiveSpeakersChanged) isEvent()   {}
func (AudioLevelsChanged) isEvent()      {}
func (DeviceAdded) isEvent()             {}
func (DeviceRemoved) isEvent()           {}
func (DeviceChanged) isEvent()           {}
func (RefreshTokenRequested) isEvent()   {}
func (ConnectionLost) isEvent()          {}
