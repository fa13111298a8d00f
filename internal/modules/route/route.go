// README: Route sequencer: greedy nearest-neighbour itinerary (all pickups, then all drop-offs) and arrival estimates.
package route

import (
	"context"
	"fmt"
	"time"

	"driveup/internal/maps"
	"driveup/internal/types"
)

// Passenger is a confirmed order to be picked up and dropped off.
type Passenger struct {
	OrderID int64
	Email   string
	Source  types.Point
	Dest    types.Point
	Price   float64
}

type Stop struct {
	OrderID          int64       `json:"order_id,omitempty"`
	Email            string      `json:"user_email"`
	IsDriver         bool        `json:"is_driver"`
	IsStartAddress   bool        `json:"is_start_address"`
	Address          types.Point `json:"address"`
	Price            float64     `json:"price"`
	EstimatedArrival *time.Time  `json:"estimated_arrival,omitempty"`
}

// Plan is the ordered itinerary. Stops[0] is always the driver's start.
type Plan struct {
	Stops      []Stop  `json:"order_locations"`
	TotalPrice float64 `json:"total_price"`
}

// Sequence visits every pickup nearest-first from start, then every drop-off
// nearest-first from the last pickup. Equal distances keep input order.
func Sequence(start types.Point, driverEmail string, passengers []Passenger) Plan {
	plan := Plan{Stops: make([]Stop, 0, 1+2*len(passengers))}
	plan.Stops = append(plan.Stops, Stop{
		Email:          driverEmail,
		IsDriver:       true,
		IsStartAddress: true,
		Address:        start,
	})

	current := start
	pickups := nearestFirst(&current, passengers, func(p Passenger) types.Point { return p.Source })
	for _, p := range pickups {
		plan.Stops = append(plan.Stops, Stop{
			OrderID:        p.OrderID,
			Email:          p.Email,
			IsStartAddress: true,
			Address:        p.Source,
			Price:          p.Price,
		})
		plan.TotalPrice += p.Price
	}

	dropoffs := nearestFirst(&current, passengers, func(p Passenger) types.Point { return p.Dest })
	for _, p := range dropoffs {
		plan.Stops = append(plan.Stops, Stop{
			OrderID: p.OrderID,
			Email:   p.Email,
			Address: p.Dest,
			Price:   p.Price,
		})
	}
	return plan
}

func nearestFirst(current *types.Point, passengers []Passenger, at func(Passenger) types.Point) []Passenger {
	remaining := make([]Passenger, len(passengers))
	copy(remaining, passengers)

	out := make([]Passenger, 0, len(passengers))
	for len(remaining) > 0 {
		best := 0
		bestDist := types.HaversineKm(*current, at(remaining[0]))
		for i := 1; i < len(remaining); i++ {
			if d := types.HaversineKm(*current, at(remaining[i])); d < bestDist {
				best, bestDist = i, d
			}
		}
		next := remaining[best]
		out = append(out, next)
		*current = at(next)
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return out
}

// EstimateArrivals walks the plan leg by leg, accumulating driving time from
// the driver's position, and stamps every passenger stop with now plus the
// running total. It returns the pickup time per order.
func EstimateArrivals(ctx context.Context, directions maps.Provider, plan *Plan, now time.Time) (map[int64]time.Time, error) {
	pickups := make(map[int64]time.Time)
	var elapsed time.Duration
	for i := 1; i < len(plan.Stops); i++ {
		leg, err := directions.GetDirections(ctx, plan.Stops[i-1].Address, plan.Stops[i].Address)
		if err != nil {
			return nil, fmt.Errorf("route leg %d: %w", i, err)
		}
		elapsed += time.Duration(leg.DurationSeconds * float64(time.Second))
		eta := now.Add(elapsed)
		plan.Stops[i].EstimatedArrival = &eta
		if plan.Stops[i].IsStartAddress {
			pickups[plan.Stops[i].OrderID] = eta
		}
	}
	return pickups, nil
}
