package maps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"driveup/internal/types"
)

const DefaultORSURL = "https://api.openrouteservice.org/v2/directions/driving-car"

// ORSDirections implements Provider using the OpenRouteService directions API.
// Transient failures are retried with backoff.
type ORSDirections struct {
	session *http.Client
	apiKey  string
	baseURL string
}

func NewORSDirections(apiKey, baseURL string) (*ORSDirections, error) {
	if apiKey == "" {
		return nil, errors.New("ORS api key is empty")
	}
	if baseURL == "" {
		baseURL = DefaultORSURL
	}
	return &ORSDirections{
		session: &http.Client{Timeout: 10 * time.Second},
		apiKey:  apiKey,
		baseURL: baseURL,
	}, nil
}

type orsDirectionsResponse struct {
	Features []struct {
		Properties struct {
			Summary struct {
				Distance float64 `json:"distance"`
				Duration float64 `json:"duration"`
			} `json:"summary"`
		} `json:"properties"`
	} `json:"features"`
}

func (o *ORSDirections) GetDirections(ctx context.Context, origin, dest types.Point) (Directions, error) {
	q := url.Values{}
	q.Set("api_key", o.apiKey)
	q.Set("start", lonLat(origin))
	q.Set("end", lonLat(dest))
	target := o.baseURL + "?" + q.Encode()

	resp, err := o.doWithRetry(ctx, func() (*http.Request, error) {
		return o.newRequest(ctx, http.MethodGet, target)
	})
	if err != nil {
		return Directions{}, fmt.Errorf("ORS directions: %w", err)
	}
	defer resp.Body.Close()

	var body orsDirectionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Directions{}, fmt.Errorf("ORS directions: decode: %w", err)
	}
	if len(body.Features) == 0 {
		return Directions{}, ErrNoRoute
	}
	s := body.Features[0].Properties.Summary
	return Directions{DistanceMeters: s.Distance, DurationSeconds: s.Duration}, nil
}

// ORS expects "lon,lat".
func lonLat(p types.Point) string {
	return strconv.FormatFloat(p.Lng, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lat, 'f', -1, 64)
}
