// README: Order service implements passenger order creation, freezing and state transitions.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"driveup/internal/clock"
	"driveup/internal/maps"
	"driveup/internal/observability"
	"driveup/internal/types"
)

type Pricing interface {
	Estimate(at time.Time, distanceMeters, durationSeconds float64) (float64, error)
	ToUSD(nis float64) float64
}

type Service struct {
	store      *Store
	pricing    Pricing
	directions maps.Provider
	clock      clock.Clock
}

func NewService(store *Store, pricing Pricing, directions maps.Provider, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{store: store, pricing: pricing, directions: directions, clock: clk}
}

var (
	ErrInvalidState = errors.New("invalid state transition")
	ErrNotFound     = errors.New("order not found")
	ErrConflict     = errors.New("order state conflict")
	ErrBadRequest   = errors.New("bad request")
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	// Pages past maxPage are served empty without touching the store.
	maxPage = 1_000_000
)

type CreateCommand struct {
	Email      string
	Passengers int
	Source     types.Point
	Dest       types.Point
}

// Create estimates the fare for the trip and stores a NEW order.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Order, error) {
	if cmd.Email == "" || cmd.Passengers <= 0 || !validPoint(cmd.Source) || !validPoint(cmd.Dest) {
		return nil, ErrBadRequest
	}

	now := s.clock.Now()
	d, err := s.directions.GetDirections(ctx, cmd.Source, cmd.Dest)
	if err != nil {
		return nil, fmt.Errorf("order.Create: directions: %w", err)
	}
	nis, err := s.pricing.Estimate(now, d.DistanceMeters, d.DurationSeconds)
	if err != nil {
		return nil, fmt.Errorf("order.Create: estimate: %w", err)
	}

	o := &Order{
		Email:         cmd.Email,
		Passengers:    cmd.Passengers,
		Source:        cmd.Source,
		Dest:          cmd.Dest,
		Status:        StatusNew,
		EstimatedCost: s.pricing.ToUSD(nis),
		CreatedAt:     now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("order.Create: %w", err)
	}
	return o, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*Order, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) GetByUserAndID(ctx context.Context, email string, id int64) (*Order, error) {
	return s.store.GetByUserAndID(ctx, email, id)
}

func (s *Service) ListByIDs(ctx context.Context, ids []int64) ([]*Order, error) {
	return s.store.ListByIDs(ctx, ids)
}

func (s *Service) ListByDriveID(ctx context.Context, driveID string) ([]*Order, error) {
	return s.store.ListByDriveID(ctx, driveID)
}

// ListByUser pages through a passenger's orders, newest first. page is 1-based.
func (s *Service) ListByUser(ctx context.Context, email string, page, size int) ([]*Order, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	if page > maxPage {
		return []*Order{}, nil
	}
	return s.store.ListByUser(ctx, email, size, (page-1)*size)
}

// Cancel removes a NEW order owned by email. It returns true when the order
// is gone afterwards, including when it never existed, and false when the
// caller's order is still present because it already left NEW.
func (s *Service) Cancel(ctx context.Context, email string, id int64) (bool, error) {
	return s.store.Cancel(ctx, email, id)
}

// SelectCandidates freezes up to limit NEW orders nearest to the driver for
// driverID. Orders already being frozen by a concurrent request are skipped.
func (s *Service) SelectCandidates(ctx context.Context, driverID string, at types.Point, limit int) ([]Candidate, error) {
	frozen, err := s.store.FreezeNearest(ctx, driverID, at, limit)
	if err != nil {
		return nil, fmt.Errorf("order.SelectCandidates: %w", err)
	}
	observability.OrdersFrozen.Add(float64(len(frozen)))
	return frozen, nil
}

// ReleaseOrder unfreezes one order if driverID holds it; otherwise it does nothing.
func (s *Service) ReleaseOrder(ctx context.Context, driverID string, id int64) error {
	ok, err := s.store.Release(ctx, driverID, id)
	if err != nil {
		return fmt.Errorf("order.ReleaseOrder: %w", err)
	}
	if ok {
		observability.OrdersReleased.Inc()
	}
	return nil
}

// ReleaseUnchosen unfreezes every order held by driverID except keep. A nil
// keep releases all of them.
func (s *Service) ReleaseUnchosen(ctx context.Context, driverID string, keep []int64) (int64, error) {
	n, err := s.store.ReleaseUnchosen(ctx, driverID, keep)
	if err != nil {
		return 0, fmt.Errorf("order.ReleaseUnchosen: %w", err)
	}
	observability.OrdersReleased.Add(float64(n))
	return n, nil
}

func (s *Service) ActivateDrive(ctx context.Context, id int64, driverID, driveID string) error {
	ok, err := s.store.Activate(ctx, id, driverID, driveID)
	if err != nil {
		return fmt.Errorf("order.ActivateDrive: %w", err)
	}
	if !ok {
		return fmt.Errorf("order %d: %w", id, ErrConflict)
	}
	return nil
}

// SetStatus moves an order to NEW or FINISHED along the allowed transitions.
// Freezing and activation carry extra data and have their own methods.
func (s *Service) SetStatus(ctx context.Context, id int64, to Status) error {
	if to != StatusNew && to != StatusFinished {
		return ErrInvalidState
	}
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, to) {
		return ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, id, o.Status, to, o.StatusVersion)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// FinishDrive marks every ACTIVE order of driveID as FINISHED.
func (s *Service) FinishDrive(ctx context.Context, driveID string) (int64, error) {
	n, err := s.store.FinishDrive(ctx, driveID)
	if err != nil {
		return 0, fmt.Errorf("order.FinishDrive: %w", err)
	}
	return n, nil
}

func (s *Service) SetEstimatedArrival(ctx context.Context, id int64, at time.Time) error {
	return s.store.SetEstimatedArrival(ctx, id, at)
}

// DeleteAll empties the order table. Test teardown only.
func (s *Service) DeleteAll(ctx context.Context) error {
	return s.store.DeleteAll(ctx)
}

func validPoint(p types.Point) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}
