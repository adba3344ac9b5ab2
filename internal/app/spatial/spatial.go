// Package spatial converts host coordinates to the backend's spatial audio frame.
//
// The host measures in centimeters with X forward, Y right and Z up.
// The backend expects meters ordered right, up, forward.
package spatial

import (
	"math"
	"strings"

	"github.com/dkeye/voicebridge/internal/domain"
)

const centimetersPerMeter = 100

func ToPosition(v domain.Vector) domain.SpatialPosition {
	return domain.SpatialPosition{
		X: v.Y / centimetersPerMeter,
		Y: v.Z / centimetersPerMeter,
		Z: v.X / centimetersPerMeter,
	}
}

func ToDirection(r domain.Rotator) domain.SpatialDirection {
	return domain.SpatialDirection{X: r.Pitch, Y: r.Yaw, Z: r.Roll}
}

// Batch builds the update for the local participant at the given viewpoint.
func Batch(local domain.ParticipantID, pos domain.Vector, rot domain.Rotator) domain.SpatialBatch {
	return domain.SpatialBatch{
		Positions: map[domain.ParticipantID]domain.SpatialPosition{local: ToPosition(pos)},
		Direction: ToDirection(rot),
	}
}

const orbitStep = 0.01

// Orbit places the demo conference's bots around the listener: IDs starting
// with "1" circle on the horizontal plane, "2" sit on the left, the rest on the right.
// Not threadsafe.
type Orbit struct {
	angle float64
}

// Next advances the orbit one step and writes the bots into batch.
func (o *Orbit) Next(batch *domain.SpatialBatch, bots []domain.ParticipantID) {
	if len(bots) == 0 {
		return
	}
	o.angle += orbitStep
	if batch.Positions == nil {
		batch.Positions = make(map[domain.ParticipantID]domain.SpatialPosition, len(bots))
	}
	for _, id := range bots {
		switch {
		case strings.HasPrefix(string(id), "1"):
			batch.Positions[id] = domain.SpatialPosition{X: math.Cos(o.angle), Y: 0, Z: math.Sin(o.angle)}
		case strings.HasPrefix(string(id), "2"):
			batch.Positions[id] = domain.SpatialPosition{X: -1, Y: 0, Z: 0}
		default:
			batch.Positions[id] = domain.SpatialPosition{X: 1, Y: 0, Z: 0}
		}
	}
}
