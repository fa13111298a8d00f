// README: Matching request filters, offers and drive details exchanged with drivers.
package matching

import (
	"errors"
	"time"

	"driveup/internal/modules/route"
	"driveup/internal/solver"
)

var (
	ErrBadRequest         = errors.New("bad request")
	ErrSuggestionNotFound = errors.New("suggestion not found")
	ErrSuggestionExpired  = errors.New("suggestion expired")
	ErrDriveNotFound      = errors.New("drive not found")
	ErrNotAssigned        = errors.New("driver is not assigned to this drive")
	ErrInvalidState       = errors.New("drive is not in the required state")
)

// OfferedSolution is one grouping as shown to the driver.
type OfferedSolution struct {
	Algorithm   string        `json:"algorithm"`
	Items       []solver.Item `json:"items"`
	TotalValue  int           `json:"total_value"`
	TotalVolume int           `json:"total_volume"`
}

// Offer is the batch of suggestions returned by RequestDrives, keyed by
// suggestion id.
type Offer struct {
	Time      time.Time                  `json:"time"`
	ExpiresAt time.Time                  `json:"expires_at"`
	Solutions map[string]OfferedSolution `json:"solutions"`
}

type AcceptResult struct {
	Success bool          `json:"success"`
	DriveID string        `json:"drive_id,omitempty"`
	Details *DriveDetails `json:"details,omitempty"`
}

type DriveDetails struct {
	ID     string    `json:"id"`
	Time   time.Time `json:"time"`
	Status string    `json:"status"`
	route.Plan
}
