package domain

import "fmt"

type DeviceID string

// Direction is a bit set; a device may be both input and output.
type Direction uint8

const (
	DirectionNone   Direction = 0
	DirectionInput  Direction = 1 << 0
	DirectionOutput Direction = 1 << 1
)

func (d Direction) IsInput() bool  { return d&DirectionInput != 0 }
func (d Direction) IsOutput() bool { return d&DirectionOutput != 0 }

func (d Direction) String() string {
	switch d {
	case DirectionInput:
		return "input"
	case DirectionOutput:
		return "output"
	case DirectionInput | DirectionOutput:
		return "input|output"
	default:
		return "none"
	}
}

type Device struct {
	ID        DeviceID  `json:"id" mapstructure:"id"`
	Name      string    `json:"name" mapstructure:"name"`
	Direction Direction `json:"direction" mapstructure:"direction"`
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText accepts the names produced by String.
func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "input":
		*d = DirectionInput
	case "output":
		*d = DirectionOutput
	case "input|output", "both":
		*d = DirectionInput | DirectionOutput
	case "none", "":
		*d = DirectionNone
	default:
		return fmt.Errorf("unknown direction %q", b)
	}
	return nil
}
