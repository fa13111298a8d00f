// README: Directions provider contract shared by pricing, matching and routing.
package maps

import (
	"context"
	"errors"

	"driveup/internal/types"
)

var ErrNoRoute = errors.New("no route found")

// Directions is the driving distance and duration between two points.
type Directions struct {
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type Provider interface {
	GetDirections(ctx context.Context, origin, dest types.Point) (Directions, error)
}
