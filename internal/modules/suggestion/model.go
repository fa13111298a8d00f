// README: Driver drive-order (suggestion) record and status definitions.
package suggestion

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"driveup/internal/solver"
	"driveup/internal/types"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusActive   Status = "ACTIVE"
	StatusFinished Status = "FINISHED"
)

var (
	ErrNotFound     = errors.New("suggestion not found")
	ErrExpired      = errors.New("suggestion expired")
	ErrInvalidState = errors.New("invalid drive state transition")
)

// DriveOrder is one solver grouping offered to a driver. Its ID is the solver
// solution id and becomes the drive id once accepted.
type DriveOrder struct {
	ID             string
	DriverID       string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Passengers     int
	Items          []solver.Item
	Status         Status
	Algorithm      string
	DriverLocation types.Point
}

func (d *DriveOrder) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

// OrderIDs returns the passenger order ids referenced by the grouping.
func (d *DriveOrder) OrderIDs() ([]int64, error) {
	ids := make([]int64, 0, len(d.Items))
	for _, it := range d.Items {
		id, err := strconv.ParseInt(it.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("drive %s: item id %q: %w", d.ID, it.ID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var AllowedTransitions = map[Status][]Status{
	StatusPending: {StatusActive},
	StatusActive:  {StatusFinished},
}

func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
