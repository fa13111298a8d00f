// README: Wire types for the external knapsack solver.
package solver

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is returned when the solver answers 504.
	ErrTimeout = errors.New("solver timed out")
	// ErrUnavailable wraps transport failures reaching the solver.
	ErrUnavailable = errors.New("solver unavailable")
)

const (
	acceptSuccess = "ACCEPT_SUCCESS"
	rejectSuccess = "REJECT_SUCCESS"
)

// Item is one passenger order offered to the solver. Volume is the seat count,
// Value the integer profit.
type Item struct {
	ID     string `json:"id"`
	Volume int    `json:"volume"`
	Value  int    `json:"value"`
}

type Solution struct {
	Algorithm  string `json:"algorithm"`
	Items      []Item `json:"items"`
	TotalValue int    `json:"total_value"`
}

// Result maps solution id to grouping. ExpiresAt is zero when the solver does
// not report one.
type Result struct {
	Time      time.Time           `json:"time"`
	ExpiresAt time.Time           `json:"expires_at"`
	Solutions map[string]Solution `json:"solutions"`
}

// StatusError is an unexpected HTTP status from the solver.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("solver %s: status %d: %s", e.Op, e.Code, e.Body)
}

type solveRequest struct {
	Items      []Item `json:"items"`
	Volume     int    `json:"volume"`
	KnapsackID string `json:"knapsack_id"`
}

type acceptRequest struct {
	SolutionID string `json:"solution_id"`
	KnapsackID string `json:"knapsack_id"`
}

type rejectRequest struct {
	KnapsackID string `json:"knapsack_id"`
}

type resultResponse struct {
	Result string `json:"result"`
}

type claimedResponse struct {
	IsClaimed bool `json:"is_claimed"`
}
