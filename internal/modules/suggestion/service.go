// README: Suggestion service persists solver groupings and drives their lifecycle.
package suggestion

import (
	"context"
	"fmt"
	"sort"

	"driveup/internal/solver"
	"driveup/internal/types"
)

type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderReleaser unfreezes passenger orders held by a driver.
type OrderReleaser interface {
	ReleaseUnchosen(ctx context.Context, driverID string, keep []int64) (int64, error)
}

type Service struct {
	store  *Store
	tx     TxRunner
	orders OrderReleaser
}

func NewService(store *Store, tx TxRunner, orders OrderReleaser) *Service {
	return &Service{store: store, tx: tx, orders: orders}
}

// Save stores one PENDING record per solution, all sharing the batch creation
// and expiry times.
func (s *Service) Save(ctx context.Context, driverID string, res solver.Result, at types.Point) ([]*DriveOrder, error) {
	ids := make([]string, 0, len(res.Solutions))
	for id := range res.Solutions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*DriveOrder, 0, len(ids))
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		for _, id := range ids {
			sol := res.Solutions[id]
			d := &DriveOrder{
				ID:             id,
				DriverID:       driverID,
				CreatedAt:      res.Time,
				ExpiresAt:      res.ExpiresAt,
				Passengers:     totalVolume(sol.Items),
				Items:          sol.Items,
				Status:         StatusPending,
				Algorithm:      sol.Algorithm,
				DriverLocation: at,
			}
			if err := s.store.Insert(ctx, d); err != nil {
				return fmt.Errorf("suggestion.Save %s: %w", id, err)
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, driverID, id string) (*DriveOrder, error) {
	return s.store.Get(ctx, driverID, id)
}

// ListPending returns the driver's PENDING suggestions, expired or not.
func (s *Service) ListPending(ctx context.Context, driverID string) ([]*DriveOrder, error) {
	return s.store.ListPending(ctx, driverID)
}

// DeletePending drops the driver's PENDING suggestions without touching orders.
func (s *Service) DeletePending(ctx context.Context, driverID string) error {
	_, err := s.store.DeletePending(ctx, driverID)
	return err
}

// RejectSolutions deletes the driver's PENDING suggestions and unfreezes every
// order the driver holds, atomically.
func (s *Service) RejectSolutions(ctx context.Context, driverID string) error {
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.store.DeletePending(ctx, driverID); err != nil {
			return fmt.Errorf("suggestion.RejectSolutions: %w", err)
		}
		if _, err := s.orders.ReleaseUnchosen(ctx, driverID, nil); err != nil {
			return fmt.Errorf("suggestion.RejectSolutions: %w", err)
		}
		return nil
	})
}

func (s *Service) GetDrive(ctx context.Context, id string) (*DriveOrder, error) {
	return s.store.GetDrive(ctx, id)
}

// ActiveDrive returns the drive the driver is currently on, or ErrNotFound.
func (s *Service) ActiveDrive(ctx context.Context, driverID string) (*DriveOrder, error) {
	return s.store.ActiveDrive(ctx, driverID)
}

// SetStatus moves drive id from -> to, failing with ErrInvalidState if the
// drive is no longer in from.
func (s *Service) SetStatus(ctx context.Context, id string, from, to Status) error {
	if !CanTransition(from, to) {
		return ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, id, from, to)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidState
	}
	return nil
}

// DeleteAll empties the drive table. Test teardown only.
func (s *Service) DeleteAll(ctx context.Context) error {
	return s.store.DeleteAll(ctx)
}

func totalVolume(items []solver.Item) int {
	n := 0
	for _, it := range items {
		n += it.Volume
	}
	return n
}
