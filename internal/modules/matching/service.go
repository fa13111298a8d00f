// README: Matching service runs the request / accept / reject / finish protocol between orders, suggestions and the solver.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"driveup/internal/clock"
	"driveup/internal/config"
	"driveup/internal/events"
	"driveup/internal/maps"
	"driveup/internal/modules/order"
	"driveup/internal/modules/route"
	"driveup/internal/modules/suggestion"
	"driveup/internal/observability"
	"driveup/internal/solver"
	"driveup/internal/types"
)

type Orders interface {
	SelectCandidates(ctx context.Context, driverID string, at types.Point, limit int) ([]order.Candidate, error)
	ReleaseOrder(ctx context.Context, driverID string, id int64) error
	ReleaseUnchosen(ctx context.Context, driverID string, keep []int64) (int64, error)
	ActivateDrive(ctx context.Context, id int64, driverID, driveID string) error
	FinishDrive(ctx context.Context, driveID string) (int64, error)
	SetEstimatedArrival(ctx context.Context, id int64, at time.Time) error
	ListByIDs(ctx context.Context, ids []int64) ([]*order.Order, error)
	ListByDriveID(ctx context.Context, driveID string) ([]*order.Order, error)
}

type Suggestions interface {
	Save(ctx context.Context, driverID string, res solver.Result, at types.Point) ([]*suggestion.DriveOrder, error)
	Get(ctx context.Context, driverID, id string) (*suggestion.DriveOrder, error)
	ListPending(ctx context.Context, driverID string) ([]*suggestion.DriveOrder, error)
	DeletePending(ctx context.Context, driverID string) error
	RejectSolutions(ctx context.Context, driverID string) error
	GetDrive(ctx context.Context, id string) (*suggestion.DriveOrder, error)
	ActiveDrive(ctx context.Context, driverID string) (*suggestion.DriveOrder, error)
	SetStatus(ctx context.Context, id string, from, to suggestion.Status) error
}

type Solver interface {
	Solve(ctx context.Context, driverID string, volume int, items []solver.Item) (solver.Result, error)
	AcceptSolution(ctx context.Context, driverID, solutionID string) (bool, error)
	RejectSolutions(ctx context.Context, driverID string) (bool, error)
	IsClaimed(ctx context.Context, itemID string) (bool, error)
}

type Pricing interface {
	Estimate(at time.Time, distanceMeters, durationSeconds float64) (float64, error)
	ToUSD(nis float64) float64
}

type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Deps holds every collaborator of the orchestrator. It is assembled once in
// main and handed to NewService.
type Deps struct {
	Orders      Orders
	Suggestions Suggestions
	Solver      Solver
	Directions  maps.Provider
	Pricing     Pricing
	Tx          TxRunner
	Clock       clock.Clock
	Events      events.Publisher
	Logger      *slog.Logger
	Config      config.MatchingConfig
}

type Service struct {
	deps Deps
}

func NewService(deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.MaxCandidates <= 0 {
		deps.Config.MaxCandidates = 10
	}
	if deps.Config.Capacity <= 0 {
		deps.Config.Capacity = 4
	}
	if deps.Config.SuggestionTTL <= 0 {
		deps.Config.SuggestionTTL = 2 * time.Minute
	}
	return &Service{deps: deps}
}

// releaseTimeout bounds the cleanup after a failed request, which runs even
// when the request context is already cancelled.
const releaseTimeout = 5 * time.Second

// RequestDrives returns the driver's live suggestion batch, or computes a new
// one when there is none, it has expired, one of its orders was claimed
// elsewhere, or force is set.
//
// Candidates are frozen in their own short statement and the directions and
// solver calls run with no transaction open, so no row lock is held while
// waiting on a remote service. Only saving the batch is transactional; on any
// failure after the freeze the driver's frozen orders are released.
func (s *Service) RequestDrives(ctx context.Context, driverID string, at types.Point, filters Filters, force bool) (*Offer, error) {
	if err := filters.Validate(); err != nil {
		return nil, err
	}
	if err := s.requireNoActiveDrive(ctx, driverID); err != nil {
		return nil, err
	}
	now := s.deps.Clock.Now()

	if !force {
		pending, err := s.deps.Suggestions.ListPending(ctx, driverID)
		if err != nil {
			return nil, fmt.Errorf("matching.RequestDrives: %w", err)
		}
		if len(pending) > 0 && !anyExpired(pending, now) {
			offer, err := s.reserve(ctx, at, pending, now)
			if err != nil {
				return nil, err
			}
			if offer != nil {
				observability.SuggestionsServed.WithLabelValues("cached").Inc()
				return offer, nil
			}
		}
	}

	if _, err := s.deps.Solver.RejectSolutions(ctx, driverID); err != nil {
		return nil, fmt.Errorf("matching.RequestDrives: solver reject: %w", err)
	}
	if err := s.deps.Suggestions.RejectSolutions(ctx, driverID); err != nil {
		return nil, fmt.Errorf("matching.RequestDrives: %w", err)
	}

	res, saved, err := s.compute(ctx, driverID, at, filters, now)
	if err != nil {
		s.releaseFrozen(ctx, driverID)
		return nil, fmt.Errorf("matching.RequestDrives: %w", err)
	}

	observability.SuggestionsServed.WithLabelValues("fresh").Inc()
	s.deps.Logger.InfoContext(ctx, "suggestions computed",
		"driver_id", driverID, "solutions", len(saved), "expires_at", res.ExpiresAt)
	return buildOffer(res.Time, res.ExpiresAt, saved), nil
}

// compute freezes candidates, asks the solver for groupings and stores them
// as the driver's PENDING batch.
func (s *Service) compute(ctx context.Context, driverID string, at types.Point, filters Filters, now time.Time) (solver.Result, []*suggestion.DriveOrder, error) {
	candidates, err := s.selectCandidates(ctx, driverID, at, filters)
	if err != nil {
		return solver.Result{}, nil, err
	}

	items := make([]solver.Item, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		value, err := s.profit(ctx, at, &c.Order, now)
		if err != nil {
			return solver.Result{}, nil, err
		}
		items = append(items, solver.Item{ID: itemID(c.ID), Volume: c.Passengers, Value: value})
	}

	res, err := s.deps.Solver.Solve(ctx, driverID, s.deps.Config.Capacity, items)
	if err != nil {
		return solver.Result{}, nil, err
	}
	if res.Time.IsZero() {
		res.Time = now
	}
	if res.ExpiresAt.IsZero() {
		res.ExpiresAt = res.Time.Add(s.deps.Config.SuggestionTTL)
	}

	var saved []*suggestion.DriveOrder
	err = s.deps.Tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		saved, err = s.deps.Suggestions.Save(ctx, driverID, res, at)
		if err != nil {
			return err
		}
		referenced, err := referencedOrders(saved)
		if err != nil {
			return err
		}
		_, err = s.deps.Orders.ReleaseUnchosen(ctx, driverID, referenced)
		return err
	})
	if err != nil {
		if _, rerr := s.deps.Solver.RejectSolutions(context.WithoutCancel(ctx), driverID); rerr != nil {
			s.deps.Logger.WarnContext(ctx, "solver reject after failed save", "driver_id", driverID, "error", rerr)
		}
		return solver.Result{}, nil, err
	}
	return res, saved, nil
}

// releaseFrozen unfreezes every order driverID still holds after a failed
// request. Failures are logged; the orders stay FROZEN until the driver's
// next request or reject.
func (s *Service) releaseFrozen(ctx context.Context, driverID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, err := s.deps.Orders.ReleaseUnchosen(ctx, driverID, nil); err != nil {
		s.deps.Logger.ErrorContext(ctx, "release frozen orders failed", "driver_id", driverID, "error", err)
	}
}

// requireNoActiveDrive fails with ErrInvalidState while the driver is still
// on an accepted drive.
func (s *Service) requireNoActiveDrive(ctx context.Context, driverID string) error {
	_, err := s.deps.Suggestions.ActiveDrive(ctx, driverID)
	if errors.Is(err, suggestion.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("matching: active drive lookup: %w", err)
	}
	return ErrInvalidState
}

// reserve serves an existing batch with item values recomputed from the
// current order data. It returns nil when an order of the batch has been
// claimed by another driver and the batch has to be recomputed.
func (s *Service) reserve(ctx context.Context, at types.Point, pending []*suggestion.DriveOrder, now time.Time) (*Offer, error) {
	ids, err := referencedOrders(pending)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		claimed, err := s.deps.Solver.IsClaimed(ctx, itemID(id))
		if err != nil {
			return nil, fmt.Errorf("matching.RequestDrives: check claimed: %w", err)
		}
		if claimed {
			s.deps.Logger.InfoContext(ctx, "cached batch is stale", "order_id", id)
			return nil, nil
		}
	}

	orders, err := s.deps.Orders.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("matching.RequestDrives: %w", err)
	}
	values := make(map[string]int, len(orders))
	for _, o := range orders {
		v, err := s.profit(ctx, at, o, now)
		if err != nil {
			return nil, fmt.Errorf("matching.RequestDrives: %w", err)
		}
		values[itemID(o.ID)] = v
	}

	refreshed := make([]*suggestion.DriveOrder, 0, len(pending))
	for _, p := range pending {
		cp := *p
		cp.Items = make([]solver.Item, len(p.Items))
		for i, it := range p.Items {
			if v, ok := values[it.ID]; ok {
				it.Value = v
			}
			cp.Items[i] = it
		}
		refreshed = append(refreshed, &cp)
	}
	return buildOffer(pending[0].CreatedAt, pending[0].ExpiresAt, refreshed), nil
}

// profit is what the driver keeps from an order after paying to reach its
// pickup. The solver needs positive integers, so it is rounded and floored at 1.
func (s *Service) profit(ctx context.Context, from types.Point, o *order.Order, now time.Time) (int, error) {
	d, err := s.deps.Directions.GetDirections(ctx, from, o.Source)
	if err != nil {
		return 0, fmt.Errorf("directions to order %d: %w", o.ID, err)
	}
	cost, err := s.deps.Pricing.Estimate(now, d.DistanceMeters, d.DurationSeconds)
	if err != nil {
		return 0, fmt.Errorf("pickup cost for order %d: %w", o.ID, err)
	}
	v := int(math.Round(o.EstimatedCost - s.deps.Pricing.ToUSD(cost)))
	if v < 1 {
		v = 1
	}
	return v, nil
}

// AcceptDrive claims suggestionID for the driver. A claim declined by the
// solver yields Success=false and leaves local state untouched.
func (s *Service) AcceptDrive(ctx context.Context, driverID, suggestionID string) (*AcceptResult, error) {
	sug, err := s.deps.Suggestions.Get(ctx, driverID, suggestionID)
	if errors.Is(err, suggestion.ErrNotFound) {
		return nil, ErrSuggestionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("matching.AcceptDrive: %w", err)
	}
	now := s.deps.Clock.Now()
	if sug.Expired(now) {
		return nil, ErrSuggestionExpired
	}
	if sug.Status != suggestion.StatusPending {
		return nil, ErrInvalidState
	}
	if err := s.requireNoActiveDrive(ctx, driverID); err != nil {
		return nil, err
	}
	ids, err := sug.OrderIDs()
	if err != nil {
		return nil, fmt.Errorf("matching.AcceptDrive: %w", err)
	}

	ok, err := s.deps.Solver.AcceptSolution(ctx, driverID, suggestionID)
	if err != nil {
		return nil, fmt.Errorf("matching.AcceptDrive: solver accept: %w", err)
	}
	if !ok {
		observability.AcceptDeclined.Inc()
		s.deps.Logger.InfoContext(ctx, "accept declined by solver", "driver_id", driverID, "suggestion_id", suggestionID)
		return &AcceptResult{Success: false}, nil
	}

	err = s.deps.Tx.WithTx(ctx, func(ctx context.Context) error {
		for _, id := range ids {
			if err := s.deps.Orders.ActivateDrive(ctx, id, driverID, sug.ID); err != nil {
				return err
			}
		}
		if _, err := s.deps.Orders.ReleaseUnchosen(ctx, driverID, ids); err != nil {
			return err
		}
		// Also fails when a concurrent accept already gave the driver an
		// ACTIVE drive.
		if err := s.deps.Suggestions.SetStatus(ctx, sug.ID, suggestion.StatusPending, suggestion.StatusActive); err != nil {
			if errors.Is(err, suggestion.ErrInvalidState) {
				return ErrInvalidState
			}
			return err
		}
		return s.deps.Suggestions.DeletePending(ctx, driverID)
	})
	if errors.Is(err, ErrInvalidState) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("matching.AcceptDrive: %w", err)
	}
	observability.DrivesAccepted.Inc()

	orders, err := s.deps.Orders.ListByDriveID(ctx, sug.ID)
	if err != nil {
		return nil, fmt.Errorf("matching.AcceptDrive: %w", err)
	}
	plan := route.Sequence(sug.DriverLocation, driverID, passengersOf(orders))
	if pickups, err := route.EstimateArrivals(ctx, s.deps.Directions, &plan, now); err != nil {
		s.deps.Logger.WarnContext(ctx, "arrival estimation failed", "drive_id", sug.ID, "error", err)
	} else {
		for id, eta := range pickups {
			if err := s.deps.Orders.SetEstimatedArrival(ctx, id, eta); err != nil {
				s.deps.Logger.WarnContext(ctx, "store arrival estimate failed", "order_id", id, "error", err)
			}
		}
	}

	s.publish(ctx, events.Event{Type: events.DriveAccepted, DriveID: sug.ID, DriverID: driverID, OrderIDs: ids, At: now})
	return &AcceptResult{
		Success: true,
		DriveID: sug.ID,
		Details: &DriveDetails{ID: sug.ID, Time: now, Status: string(suggestion.StatusActive), Plan: plan},
	}, nil
}

// RejectDrives drops every pending suggestion of the driver and unfreezes
// its orders. Calling it with nothing pending is fine.
func (s *Service) RejectDrives(ctx context.Context, driverID string) error {
	if _, err := s.deps.Solver.RejectSolutions(ctx, driverID); err != nil {
		return fmt.Errorf("matching.RejectDrives: solver reject: %w", err)
	}
	if err := s.deps.Suggestions.RejectSolutions(ctx, driverID); err != nil {
		return fmt.Errorf("matching.RejectDrives: %w", err)
	}
	s.publish(ctx, events.Event{Type: events.DrivesRejected, DriverID: driverID, At: s.deps.Clock.Now()})
	return nil
}

// FinishDrive completes an ACTIVE drive owned by driverID together with all
// of its passenger orders.
func (s *Service) FinishDrive(ctx context.Context, driverID, driveID string) error {
	drive, err := s.deps.Suggestions.GetDrive(ctx, driveID)
	if errors.Is(err, suggestion.ErrNotFound) {
		return ErrDriveNotFound
	}
	if err != nil {
		return fmt.Errorf("matching.FinishDrive: %w", err)
	}
	if drive.DriverID != driverID {
		return ErrNotAssigned
	}
	if drive.Status != suggestion.StatusActive {
		return ErrInvalidState
	}

	err = s.deps.Tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.deps.Suggestions.SetStatus(ctx, driveID, suggestion.StatusActive, suggestion.StatusFinished); err != nil {
			if errors.Is(err, suggestion.ErrInvalidState) {
				return ErrInvalidState
			}
			return err
		}
		_, err := s.deps.Orders.FinishDrive(ctx, driveID)
		return err
	})
	if errors.Is(err, ErrInvalidState) {
		return err
	}
	if err != nil {
		return fmt.Errorf("matching.FinishDrive: %w", err)
	}

	observability.DrivesFinished.Inc()
	ids, err := drive.OrderIDs()
	if err != nil {
		s.deps.Logger.WarnContext(ctx, "drive items unreadable", "drive_id", driveID, "error", err)
	}
	s.publish(ctx, events.Event{Type: events.DriveFinished, DriveID: driveID, DriverID: driverID, OrderIDs: ids, At: s.deps.Clock.Now()})
	return nil
}

// DriveDetails shows the itinerary of an accepted drive with the stored
// pickup estimates.
func (s *Service) DriveDetails(ctx context.Context, driverID, driveID string) (*DriveDetails, error) {
	drive, err := s.deps.Suggestions.GetDrive(ctx, driveID)
	if errors.Is(err, suggestion.ErrNotFound) {
		return nil, ErrDriveNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("matching.DriveDetails: %w", err)
	}
	if drive.DriverID != driverID {
		return nil, ErrDriveNotFound
	}
	if drive.Status == suggestion.StatusPending {
		return nil, ErrInvalidState
	}

	orders, err := s.deps.Orders.ListByDriveID(ctx, driveID)
	if err != nil {
		return nil, fmt.Errorf("matching.DriveDetails: %w", err)
	}
	plan := route.Sequence(drive.DriverLocation, driverID, passengersOf(orders))
	arrivals := make(map[int64]*time.Time, len(orders))
	for _, o := range orders {
		arrivals[o.ID] = o.EstimatedArrival
	}
	for i := range plan.Stops {
		if st := &plan.Stops[i]; st.IsStartAddress && !st.IsDriver {
			st.EstimatedArrival = arrivals[st.OrderID]
		}
	}
	return &DriveDetails{ID: drive.ID, Time: drive.CreatedAt, Status: string(drive.Status), Plan: plan}, nil
}

// DriveDetailsPreview shows the itinerary a pending suggestion would produce.
func (s *Service) DriveDetailsPreview(ctx context.Context, driverID, suggestionID string) (*DriveDetails, error) {
	sug, err := s.deps.Suggestions.Get(ctx, driverID, suggestionID)
	if errors.Is(err, suggestion.ErrNotFound) {
		return nil, ErrSuggestionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("matching.DriveDetailsPreview: %w", err)
	}
	if sug.Status != suggestion.StatusPending {
		return nil, ErrInvalidState
	}
	if sug.Expired(s.deps.Clock.Now()) {
		return nil, ErrSuggestionExpired
	}
	ids, err := sug.OrderIDs()
	if err != nil {
		return nil, fmt.Errorf("matching.DriveDetailsPreview: %w", err)
	}
	orders, err := s.deps.Orders.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("matching.DriveDetailsPreview: %w", err)
	}
	plan := route.Sequence(sug.DriverLocation, driverID, passengersOf(orders))
	return &DriveDetails{ID: sug.ID, Time: sug.CreatedAt, Status: string(sug.Status), Plan: plan}, nil
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.deps.Events.Publish(ctx, e); err != nil {
		s.deps.Logger.WarnContext(ctx, "publish event failed", "type", e.Type, "driver_id", e.DriverID, "error", err)
	}
}

func anyExpired(batch []*suggestion.DriveOrder, now time.Time) bool {
	for _, d := range batch {
		if d.Expired(now) {
			return true
		}
	}
	return false
}

func referencedOrders(batch []*suggestion.DriveOrder) ([]int64, error) {
	seen := map[int64]struct{}{}
	out := []int64{}
	for _, d := range batch {
		ids, err := d.OrderIDs()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func buildOffer(at, expires time.Time, batch []*suggestion.DriveOrder) *Offer {
	offer := &Offer{Time: at, ExpiresAt: expires, Solutions: make(map[string]OfferedSolution, len(batch))}
	for _, d := range batch {
		sol := OfferedSolution{Algorithm: d.Algorithm, Items: d.Items}
		for _, it := range d.Items {
			sol.TotalValue += it.Value
			sol.TotalVolume += it.Volume
		}
		offer.Solutions[d.ID] = sol
	}
	return offer
}

func passengersOf(orders []*order.Order) []route.Passenger {
	out := make([]route.Passenger, 0, len(orders))
	for _, o := range orders {
		out = append(out, route.Passenger{
			OrderID: o.ID,
			Email:   o.Email,
			Source:  o.Source,
			Dest:    o.Dest,
			Price:   o.EstimatedCost,
		})
	}
	return out
}

func itemID(id int64) string {
	return strconv.FormatInt(id, 10)
}
