package maps

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"driveup/internal/types"
)

// GoogleDirections handles interactions with the Google Directions API.
type GoogleDirections struct {
	client *maps.Client
}

// NewGoogleDirections creates a provider with the given API key.
func NewGoogleDirections(apiKey string) (*GoogleDirections, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleDirections{client: client}, nil
}

func (g *GoogleDirections) GetDirections(ctx context.Context, origin, dest types.Point) (Directions, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(origin),
		Destination: latLng(dest),
		Mode:        maps.TravelModeDriving,
	}

	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return Directions{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Directions{}, ErrNoRoute
	}

	leg := routes[0].Legs[0]
	return Directions{
		DistanceMeters:  float64(leg.Distance.Meters),
		DurationSeconds: leg.Duration.Seconds(),
	}, nil
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}
