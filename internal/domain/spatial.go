package domain

// Vector is a host-side location in centimeters: X forward, Y right, Z up.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Rotator is a host-side orientation in degrees.
type Rotator struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
}

// SpatialPosition is a backend location in meters: X right, Y up, Z forward.
type SpatialPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// SpatialDirection is a backend orientation as Euler angles in degrees.
type SpatialDirection struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// SpatialBatch is applied by the backend atomically.
type SpatialBatch struct {
	Positions map[ParticipantID]SpatialPosition `json:"positions"`
	Direction SpatialDirection                  `json:"direction"`
}
