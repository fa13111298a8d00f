// README: Candidate filters and selection for a driver's drive request.
package matching

import (
	"context"
	"fmt"

	"driveup/internal/modules/order"
	"driveup/internal/types"
)

const (
	FilterPickupDistance = "pick_up_distance"
	FilterRideDistance   = "ride_distance"
)

// Bound is an inclusive range; a nil side is unbounded.
type Bound struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

func (b Bound) contains(v float64) bool {
	if b.Min != nil && v < *b.Min {
		return false
	}
	if b.Max != nil && v > *b.Max {
		return false
	}
	return true
}

// Filters maps a filter name to its bound. Distances are in km.
type Filters map[string]Bound

func (f Filters) Validate() error {
	for name, b := range f {
		switch name {
		case FilterPickupDistance, FilterRideDistance:
		default:
			return fmt.Errorf("%w: unknown filter %q", ErrBadRequest, name)
		}
		if b.Min != nil && b.Max != nil && *b.Min > *b.Max {
			return fmt.Errorf("%w: filter %q has min > max", ErrBadRequest, name)
		}
	}
	return nil
}

func (f Filters) accept(c order.Candidate) bool {
	if b, ok := f[FilterPickupDistance]; ok && !b.contains(c.PickupKm) {
		return false
	}
	if b, ok := f[FilterRideDistance]; ok && !b.contains(c.RideKm) {
		return false
	}
	return true
}

// selectCandidates freezes the nearest NEW orders for driverID and releases
// the ones that fail a filter straight back to NEW.
func (s *Service) selectCandidates(ctx context.Context, driverID string, at types.Point, filters Filters) ([]order.Candidate, error) {
	frozen, err := s.deps.Orders.SelectCandidates(ctx, driverID, at, s.deps.Config.MaxCandidates)
	if err != nil {
		return nil, err
	}
	kept := make([]order.Candidate, 0, len(frozen))
	for _, c := range frozen {
		if filters.accept(c) {
			kept = append(kept, c)
			continue
		}
		if err := s.deps.Orders.ReleaseOrder(ctx, driverID, c.ID); err != nil {
			return nil, err
		}
	}
	return kept, nil
}
