// README: Passenger order aggregate and status definitions.
package order

import (
	"time"

	"driveup/internal/types"
)

type Status string

const (
	StatusNew      Status = "NEW"
	StatusFrozen   Status = "FROZEN"
	StatusActive   Status = "ACTIVE"
	StatusFinished Status = "FINISHED"
)

// Order is a passenger ride request. FrozenBy is set only while FROZEN and
// DriveID only once ACTIVE or FINISHED.
type Order struct {
	ID               int64
	Email            string
	Passengers       int
	Source           types.Point
	Dest             types.Point
	Status           Status
	StatusVersion    int
	FrozenBy         *string
	DriveID          *string
	EstimatedCost    float64
	EstimatedArrival *time.Time
	CreatedAt        time.Time
	// AssignedDriver is the driver of the drive the order belongs to, if any.
	AssignedDriver *string
}

// Candidate is a NEW order considered for a driver, with distances in km.
type Candidate struct {
	Order
	PickupKm float64
	RideKm   float64
}

// AllowedTransitions represents the order state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusNew:    {StatusFrozen, StatusActive},
	StatusFrozen: {StatusNew, StatusActive},
	StatusActive: {StatusFinished},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}
