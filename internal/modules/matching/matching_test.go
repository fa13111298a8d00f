// README: Matching service tests over in-memory orders, suggestions, solver and directions.
package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"driveup/internal/clock"
	"driveup/internal/config"
	"driveup/internal/events"
	"driveup/internal/maps"
	"driveup/internal/modules/order"
	"driveup/internal/modules/suggestion"
	"driveup/internal/solver"
	"driveup/internal/types"
)

// ---------------------------------------------------------------------------
// In-memory collaborators
// ---------------------------------------------------------------------------

type memDB struct {
	mu     sync.Mutex
	nextID int64
	orders map[int64]*order.Order
	drives map[string]*suggestion.DriveOrder
}

func newMemDB() *memDB {
	return &memDB{orders: map[int64]*order.Order{}, drives: map[string]*suggestion.DriveOrder{}}
}

func (m *memDB) snapshot() (map[int64]order.Order, map[string]suggestion.DriveOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	os := make(map[int64]order.Order, len(m.orders))
	for id, o := range m.orders {
		os[id] = *o
	}
	ds := make(map[string]suggestion.DriveOrder, len(m.drives))
	for id, d := range m.drives {
		ds[id] = *d
	}
	return os, ds
}

func (m *memDB) restore(os map[int64]order.Order, ds map[string]suggestion.DriveOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = make(map[int64]*order.Order, len(os))
	for id, o := range os {
		o := o
		m.orders[id] = &o
	}
	m.drives = make(map[string]*suggestion.DriveOrder, len(ds))
	for id, d := range ds {
		d := d
		m.drives[id] = &d
	}
}

// memTx rolls the in-memory state back when fn fails.
type memTx struct{ db *memDB }

func (t memTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	os, ds := t.db.snapshot()
	if err := fn(ctx); err != nil {
		t.db.restore(os, ds)
		return err
	}
	return nil
}

type memOrders struct{ db *memDB }

func (r memOrders) SelectCandidates(_ context.Context, driverID string, at types.Point, limit int) ([]order.Candidate, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var found []order.Candidate
	for _, o := range r.db.orders {
		if o.Status != order.StatusNew {
			continue
		}
		found = append(found, order.Candidate{
			Order:    *o,
			PickupKm: types.HaversineKm(at, o.Source),
			RideKm:   types.HaversineKm(o.Source, o.Dest),
		})
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].PickupKm == found[j].PickupKm {
			return found[i].ID < found[j].ID
		}
		return found[i].PickupKm < found[j].PickupKm
	})
	if len(found) > limit {
		found = found[:limit]
	}
	for i := range found {
		o := r.db.orders[found[i].ID]
		d := driverID
		o.Status, o.FrozenBy = order.StatusFrozen, &d
		o.StatusVersion++
		found[i].Order = *o
	}
	return found, nil
}

func (r memOrders) ReleaseOrder(_ context.Context, driverID string, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if o, ok := r.db.orders[id]; ok && o.Status == order.StatusFrozen && *o.FrozenBy == driverID {
		o.Status, o.FrozenBy = order.StatusNew, nil
	}
	return nil
}

func (r memOrders) ReleaseUnchosen(_ context.Context, driverID string, keep []int64) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	kept := map[int64]bool{}
	for _, id := range keep {
		kept[id] = true
	}
	var n int64
	for id, o := range r.db.orders {
		if o.Status == order.StatusFrozen && *o.FrozenBy == driverID && !kept[id] {
			o.Status, o.FrozenBy = order.StatusNew, nil
			n++
		}
	}
	return n, nil
}

func (r memOrders) ActivateDrive(_ context.Context, id int64, driverID, driveID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o, ok := r.db.orders[id]
	if !ok || !(o.Status == order.StatusNew || (o.Status == order.StatusFrozen && *o.FrozenBy == driverID)) {
		return order.ErrConflict
	}
	d := driveID
	o.Status, o.FrozenBy, o.DriveID = order.StatusActive, nil, &d
	return nil
}

func (r memOrders) FinishDrive(_ context.Context, driveID string) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for _, o := range r.db.orders {
		if o.DriveID != nil && *o.DriveID == driveID && o.Status == order.StatusActive {
			o.Status = order.StatusFinished
			n++
		}
	}
	return n, nil
}

func (r memOrders) SetEstimatedArrival(_ context.Context, id int64, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if o, ok := r.db.orders[id]; ok {
		o.EstimatedArrival = &at
	}
	return nil
}

func (r memOrders) ListByIDs(_ context.Context, ids []int64) ([]*order.Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := []*order.Order{}
	for _, id := range ids {
		if o, ok := r.db.orders[id]; ok {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r memOrders) ListByDriveID(_ context.Context, driveID string) ([]*order.Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := []*order.Order{}
	for _, o := range r.db.orders {
		if o.DriveID != nil && *o.DriveID == driveID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memSuggestions struct {
	db     *memDB
	orders memOrders
}

func (r memSuggestions) Save(_ context.Context, driverID string, res solver.Result, at types.Point) ([]*suggestion.DriveOrder, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	ids := make([]string, 0, len(res.Solutions))
	for id := range res.Solutions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := []*suggestion.DriveOrder{}
	for _, id := range ids {
		sol := res.Solutions[id]
		d := &suggestion.DriveOrder{
			ID: id, DriverID: driverID, CreatedAt: res.Time, ExpiresAt: res.ExpiresAt,
			Items: sol.Items, Status: suggestion.StatusPending, Algorithm: sol.Algorithm, DriverLocation: at,
		}
		r.db.drives[id] = d
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (r memSuggestions) Get(_ context.Context, driverID, id string) (*suggestion.DriveOrder, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	d, ok := r.db.drives[id]
	if !ok || d.DriverID != driverID {
		return nil, suggestion.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r memSuggestions) ListPending(_ context.Context, driverID string) ([]*suggestion.DriveOrder, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := []*suggestion.DriveOrder{}
	for _, d := range r.db.drives {
		if d.DriverID == driverID && d.Status == suggestion.StatusPending {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memSuggestions) DeletePending(_ context.Context, driverID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for id, d := range r.db.drives {
		if d.DriverID == driverID && d.Status == suggestion.StatusPending {
			delete(r.db.drives, id)
		}
	}
	return nil
}

func (r memSuggestions) RejectSolutions(ctx context.Context, driverID string) error {
	if err := r.DeletePending(ctx, driverID); err != nil {
		return err
	}
	_, err := r.orders.ReleaseUnchosen(ctx, driverID, nil)
	return err
}

func (r memSuggestions) GetDrive(_ context.Context, id string) (*suggestion.DriveOrder, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	d, ok := r.db.drives[id]
	if !ok {
		return nil, suggestion.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r memSuggestions) ActiveDrive(_ context.Context, driverID string) (*suggestion.DriveOrder, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, d := range r.db.drives {
		if d.DriverID == driverID && d.Status == suggestion.StatusActive {
			cp := *d
			return &cp, nil
		}
	}
	return nil, suggestion.ErrNotFound
}

func (r memSuggestions) SetStatus(_ context.Context, id string, from, to suggestion.Status) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	d, ok := r.db.drives[id]
	if !ok || d.Status != from || !suggestion.CanTransition(from, to) {
		return suggestion.ErrInvalidState
	}
	d.Status = to
	return nil
}

type fakeSolver struct {
	mu        sync.Mutex
	solveFn   func(items []solver.Item) (solver.Result, error)
	accept    bool
	acceptErr error
	claimed   map[string]bool
	solves    int
	rejects   int
	lastItems []solver.Item
}

func (f *fakeSolver) Solve(_ context.Context, _ string, _ int, items []solver.Item) (solver.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.solves++
	f.lastItems = items
	if f.solveFn != nil {
		return f.solveFn(items)
	}
	return allAndLast(items), nil
}

func (f *fakeSolver) AcceptSolution(context.Context, string, string) (bool, error) {
	return f.accept, f.acceptErr
}

func (f *fakeSolver) RejectSolutions(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects++
	return true, nil
}

func (f *fakeSolver) IsClaimed(_ context.Context, itemID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimed[itemID], nil
}

// allAndLast offers one grouping with every item and one with the last item only.
func allAndLast(items []solver.Item) solver.Result {
	res := solver.Result{Solutions: map[string]solver.Solution{}}
	if len(items) == 0 {
		return res
	}
	res.Solutions["sol-all"] = solver.Solution{Algorithm: "greedy", Items: items}
	res.Solutions["sol-last"] = solver.Solution{Algorithm: "dp", Items: items[len(items)-1:]}
	return res
}

// failingSave loses every batch it is asked to store.
type failingSave struct{ memSuggestions }

func (failingSave) Save(context.Context, string, solver.Result, types.Point) ([]*suggestion.DriveOrder, error) {
	return nil, errors.New("insert drive: connection reset")
}

// kmDirections drives at 1 km per minute along the great circle.
type kmDirections struct{ fail bool }

func (k kmDirections) GetDirections(_ context.Context, a, b types.Point) (maps.Directions, error) {
	if k.fail {
		return maps.Directions{}, maps.ErrNoRoute
	}
	km := types.HaversineKm(a, b)
	return maps.Directions{DistanceMeters: km * 1000, DurationSeconds: km * 60}, nil
}

// perKmPricing charges 1 per km; ToUSD is the identity.
type perKmPricing struct{}

func (perKmPricing) Estimate(_ time.Time, m, _ float64) (float64, error) { return m / 1000, nil }
func (perKmPricing) ToUSD(v float64) float64                              { return v }

type recordingEvents struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recordingEvents) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return nil
}

type harness struct {
	svc    *Service
	db     *memDB
	solver *fakeSolver
	events *recordingEvents
	now    time.Time
}

var driverAt = types.Point{Lat: 0, Lng: 0}

// kmDeg is one kilometre of longitude on the equator.
var kmDeg = 180 / (types.EarthRadiusKm * math.Pi)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:     newMemDB(),
		solver: &fakeSolver{accept: true},
		events: &recordingEvents{},
		now:    time.Date(2023, time.May, 14, 10, 0, 0, 0, time.UTC),
	}
	orders := memOrders{db: h.db}
	h.svc = NewService(Deps{
		Orders:      orders,
		Suggestions: memSuggestions{db: h.db, orders: orders},
		Solver:      h.solver,
		Directions:  kmDirections{},
		Pricing:     perKmPricing{},
		Tx:          memTx{db: h.db},
		Clock:       clock.Func(func() time.Time { return h.now }),
		Events:      h.events,
		Config:      config.MatchingConfig{MaxCandidates: 10, Capacity: 4, SuggestionTTL: 2 * time.Minute},
	})
	return h
}

// addOrder stores a NEW order whose pickup is lngKm kilometres east of the
// driver along the equator.
func (h *harness) addOrder(lngKm, rideKm, cost float64) int64 {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	h.db.nextID++
	o := &order.Order{
		ID:            h.db.nextID,
		Email:         fmt.Sprintf("p%d@example.com", h.db.nextID),
		Passengers:    1,
		Source:        types.Point{Lat: 0, Lng: lngKm * kmDeg},
		Dest:          types.Point{Lat: 0, Lng: (lngKm + rideKm) * kmDeg},
		Status:        order.StatusNew,
		EstimatedCost: cost,
		CreatedAt:     h.now,
	}
	h.db.orders[o.ID] = o
	return o.ID
}

func (h *harness) order(t *testing.T, id int64) order.Order {
	t.Helper()
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	o, ok := h.db.orders[id]
	if !ok {
		t.Fatalf("order %d missing", id)
	}
	return *o
}

func (h *harness) assertNoneFrozenBy(t *testing.T, driverID string) {
	t.Helper()
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	for id, o := range h.db.orders {
		if o.Status == order.StatusFrozen && o.FrozenBy != nil && *o.FrozenBy == driverID {
			t.Errorf("order %d still frozen by %s", id, driverID)
		}
		if (o.Status == order.StatusFrozen) != (o.FrozenBy != nil) {
			t.Errorf("order %d violates frozen_by invariant: %+v", id, o)
		}
	}
}

func (h *harness) pendingCount(driverID string) int {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	n := 0
	for _, d := range h.db.drives {
		if d.DriverID == driverID && d.Status == suggestion.StatusPending {
			n++
		}
	}
	return n
}

func ptr(v float64) *float64 { return &v }

func about(got, want time.Time) bool {
	d := got.Sub(want)
	return d > -time.Second && d < time.Second
}

// ---------------------------------------------------------------------------
// Filters
// ---------------------------------------------------------------------------

func TestFilters_Validate(t *testing.T) {
	valid := Filters{
		FilterPickupDistance: {Max: ptr(5)},
		FilterRideDistance:   {Min: ptr(1), Max: ptr(1)},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid filters rejected: %v", err)
	}
	if err := (Filters{"eta": {}}).Validate(); !errors.Is(err, ErrBadRequest) {
		t.Errorf("unknown filter: %v, want ErrBadRequest", err)
	}
	if err := (Filters{FilterRideDistance: {Min: ptr(3), Max: ptr(2)}}).Validate(); !errors.Is(err, ErrBadRequest) {
		t.Errorf("min > max: %v, want ErrBadRequest", err)
	}
}

// ---------------------------------------------------------------------------
// RequestDrives
// ---------------------------------------------------------------------------

func TestRequestDrives_FreezesAndSavesPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	near := h.addOrder(1, 10, 20)
	mid := h.addOrder(2, 10, 30)

	h.solver.solveFn = func(items []solver.Item) (solver.Result, error) {
		return solver.Result{Solutions: map[string]solver.Solution{
			"only-near": {Algorithm: "greedy", Items: items[:1]},
		}}, nil
	}

	offer, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, false)
	if err != nil {
		t.Fatalf("RequestDrives: %v", err)
	}
	if len(h.solver.lastItems) != 2 || h.solver.lastItems[0].ID != itemID(near) {
		t.Fatalf("solver items = %+v", h.solver.lastItems)
	}
	// cost 20 minus 1 km to reach the pickup
	if got := h.solver.lastItems[0].Value; got != 19 {
		t.Errorf("profit = %d, want 19", got)
	}

	sol, ok := offer.Solutions["only-near"]
	if !ok || sol.TotalValue != 19 || sol.TotalVolume != 1 {
		t.Fatalf("unexpected offer %+v", offer)
	}
	if !offer.Time.Equal(h.now) || !offer.ExpiresAt.Equal(h.now.Add(2*time.Minute)) {
		t.Errorf("offer times = %v / %v", offer.Time, offer.ExpiresAt)
	}

	if o := h.order(t, near); o.Status != order.StatusFrozen || *o.FrozenBy != "d1" {
		t.Errorf("referenced order not frozen: %+v", o)
	}
	if o := h.order(t, mid); o.Status != order.StatusNew {
		t.Errorf("unreferenced order not released: %+v", o)
	}
	if n := h.pendingCount("d1"); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestRequestDrives_FiltersReleaseCandidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	short := h.addOrder(1, 2, 20)
	long := h.addOrder(1.5, 50, 40)

	filters := Filters{FilterRideDistance: {Max: ptr(10)}}
	if _, err := h.svc.RequestDrives(ctx, "d1", driverAt, filters, false); err != nil {
		t.Fatalf("RequestDrives: %v", err)
	}
	if len(h.solver.lastItems) != 1 || h.solver.lastItems[0].ID != itemID(short) {
		t.Fatalf("solver items = %+v", h.solver.lastItems)
	}
	if o := h.order(t, long); o.Status != order.StatusNew || o.FrozenBy != nil {
		t.Errorf("filtered order not released: %+v", o)
	}
}

func TestRequestDrives_RejectsBadFilters(t *testing.T) {
	h := newHarness(t)
	h.addOrder(1, 1, 10)
	_, err := h.svc.RequestDrives(context.Background(), "d1", driverAt, Filters{"colour": {}}, false)
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	if h.solver.solves != 0 || h.solver.rejects != 0 {
		t.Errorf("solver touched on bad input")
	}
	h.assertNoneFrozenBy(t, "d1")
}

func TestRequestDrives_ProfitFlooredAtOne(t *testing.T) {
	h := newHarness(t)
	h.addOrder(8, 1, 3)
	if _, err := h.svc.RequestDrives(context.Background(), "d1", driverAt, nil, false); err != nil {
		t.Fatalf("RequestDrives: %v", err)
	}
	if got := h.solver.lastItems[0].Value; got != 1 {
		t.Errorf("profit = %d, want 1", got)
	}
}

func TestRequestDrives_ServesCachedBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addOrder(1, 5, 20)
	h.addOrder(2, 5, 20)

	first, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, false)
	if err != nil {
		t.Fatalf("first RequestDrives: %v", err)
	}
	h.now = h.now.Add(30 * time.Second)
	second, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, false)
	if err != nil {
		t.Fatalf("second RequestDrives: %v", err)
	}
	if h.solver.solves != 1 {
		t.Fatalf("solver called %d times, want 1", h.solver.solves)
	}
	if !second.Time.Equal(first.Time) || !second.ExpiresAt.Equal(first.ExpiresAt) || len(second.Solutions) != len(first.Solutions) {
		t.Fatalf("cached offer differs:\n%+v\n%+v", first, second)
	}
	for id, sol := range first.Solutions {
		got := second.Solutions[id]
		if len(got.Items) != len(sol.Items) || got.TotalValue != sol.TotalValue {
			t.Errorf("solution %s differs: %+v vs %+v", id, got, sol)
		}
	}

	// Values are recomputed from the driver's current position.
	moved := types.Point{Lat: 0, Lng: 10 * kmDeg}
	third, err := h.svc.RequestDrives(ctx, "d1", moved, nil, false)
	if err != nil {
		t.Fatalf("third RequestDrives: %v", err)
	}
	if h.solver.solves != 1 {
		t.Fatalf("solver called again for a live batch")
	}
	if third.Solutions["sol-all"].TotalValue == first.Solutions["sol-all"].TotalValue {
		t.Errorf("values not re-estimated: %+v", third.Solutions["sol-all"])
	}
}

func TestRequestDrives_RecomputesAfterExpiryOrForce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addOrder(1, 5, 20)

	if _, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, false); err != nil {
		t.Fatalf("RequestDrives: %v", err)
	}
	if _, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, true); err != nil {
		t.Fatalf("forced RequestDrives: %v", err)
	}
	if h.solver.solves != 2 {
		t.Fatalf("solves after force = %d, want 2", h.solver.solves)
	}

	h.now = h.now.Add(3 * time.Minute)
	offer, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, false)
	if err != nil {
		t.Fatalf("RequestDrives after expiry: %v", err)
	}
	if h.solver.solves != 3 {
		t.Fatalf("solves after expiry = %d, want 3", h.solver.solves)
	}
	if !offer.ExpiresAt.After(h.now) {
		t.Errorf("expired batch returned: %v", offer.ExpiresAt)
	}
	if h.solver.rejects != 3 {
		t.Errorf("solver rejects = %d, want 3", h.solver.rejects)
	}
}

func TestRequestDrives_EmptyCandidates(t *testing.T) {
	h := newHarness(t)
	h.solver.solveFn = func(items []solver.Item) (solver.Result, error) {
		if len(items) != 0 {
			t.Errorf("unexpected items %+v", items)
		}
		return solver.Result{Solutions: map[string]solver.Solution{}}, nil
	}
	offer, err := h.svc.RequestDrives(context.Background(), "d1", driverAt, nil, false)
	if err != nil {
		t.Fatalf("RequestDrives: %v", err)
	}
	if len(offer.Solutions) != 0 {
		t.Errorf("expected empty offer, got %+v", offer)
	}
}

func TestRequestDrives_SolverTimeoutRollsBack(t *testing.T) {
	h := newHarness(t)
	id := h.addOrder(1, 5, 20)
	h.solver.solveFn = func([]solver.Item) (solver.Result, error) {
		return solver.Result{}, solver.ErrTimeout
	}
	_, err := h.svc.RequestDrives(context.Background(), "d1", driverAt, nil, false)
	if !errors.Is(err, solver.ErrTimeout) {
		t.Fatalf("expected solver.ErrTimeout, got %v", err)
	}
	if o := h.order(t, id); o.Status != order.StatusNew {
		t.Errorf("order left %s after failed request", o.Status)
	}
	if n := h.pendingCount("d1"); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestRequestDrives_DirectionsFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	id := h.addOrder(1, 5, 20)
	h.svc.deps.Directions = kmDirections{fail: true}
	if _, err := h.svc.RequestDrives(context.Background(), "d1", driverAt, nil, false); !errors.Is(err, maps.ErrNoRoute) {
		t.Fatalf("expected maps.ErrNoRoute, got %v", err)
	}
	if o := h.order(t, id); o.Status != order.StatusNew {
		t.Errorf("order left %s after failed request", o.Status)
	}
}

func TestRequestDrives_SaveFailureReleasesOrders(t *testing.T) {
	h := newHarness(t)
	id := h.addOrder(1, 5, 20)
	h.svc.deps.Suggestions = failingSave{h.svc.deps.Suggestions.(memSuggestions)}

	if _, err := h.svc.RequestDrives(context.Background(), "d1", driverAt, nil, false); err == nil {
		t.Fatal("expected an error when the batch cannot be stored")
	}
	if o := h.order(t, id); o.Status != order.StatusNew {
		t.Errorf("order left %s after failed save", o.Status)
	}
	// once before solving, once to drop the unsaved solutions
	if h.solver.rejects != 2 {
		t.Errorf("solver rejects = %d, want 2", h.solver.rejects)
	}
}

func TestRequestDrives_CancelledRequestStillReleases(t *testing.T) {
	h := newHarness(t)
	id := h.addOrder(1, 5, 20)
	ctx, cancel := context.WithCancel(context.Background())
	h.solver.solveFn = func([]solver.Item) (solver.Result, error) {
		cancel()
		return solver.Result{}, context.Canceled
	}
	if _, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, false); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if o := h.order(t, id); o.Status != order.StatusNew {
		t.Errorf("order left %s after cancelled request", o.Status)
	}
}

func TestRequestDrives_RecomputesWhenCachedOrderClaimed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	taken := h.addOrder(1, 5, 20)
	h.addOrder(2, 5, 20)

	if _, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, false); err != nil {
		t.Fatalf("RequestDrives: %v", err)
	}
	h.solver.claimed = map[string]bool{itemID(taken): true}
	if _, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, false); err != nil {
		t.Fatalf("RequestDrives: %v", err)
	}
	if h.solver.solves != 2 {
		t.Errorf("solves = %d, want 2 after a cached order was claimed", h.solver.solves)
	}
}

func TestRequestDrives_RefusedWhileOnActiveDrive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acceptedDrive(t, h)
	id := h.addOrder(3, 5, 20)

	if _, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if o := h.order(t, id); o.Status != order.StatusNew {
		t.Errorf("order %d = %s, want NEW", id, o.Status)
	}
	if h.solver.solves != 1 {
		t.Errorf("solver called while driver is on a drive")
	}
}

// ---------------------------------------------------------------------------
// AcceptDrive
// ---------------------------------------------------------------------------

func TestAcceptDrive_ActivatesChosenAndReleasesRest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addOrder(1, 5, 20)
	b := h.addOrder(2, 5, 20)
	c := h.addOrder(3, 5, 20)

	h.solver.solveFn = func(items []solver.Item) (solver.Result, error) {
		return solver.Result{Solutions: map[string]solver.Solution{
			"pair":  {Algorithm: "dp", Items: items[:2]},
			"third": {Algorithm: "dp", Items: items[2:]},
		}}, nil
	}
	if _, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, false); err != nil {
		t.Fatalf("RequestDrives: %v", err)
	}

	res, err := h.svc.AcceptDrive(ctx, "d1", "pair")
	if err != nil {
		t.Fatalf("AcceptDrive: %v", err)
	}
	if !res.Success || res.DriveID != "pair" {
		t.Fatalf("unexpected result %+v", res)
	}

	for _, id := range []int64{a, b} {
		o := h.order(t, id)
		if o.Status != order.StatusActive || o.DriveID == nil || *o.DriveID != "pair" || o.FrozenBy != nil {
			t.Errorf("order %d not activated: %+v", id, o)
		}
		if o.EstimatedArrival == nil {
			t.Errorf("order %d has no arrival estimate", id)
		}
	}
	if o := h.order(t, c); o.Status != order.StatusNew {
		t.Errorf("losing order %d = %s, want NEW", c, o.Status)
	}
	h.assertNoneFrozenBy(t, "d1")
	if n := h.pendingCount("d1"); n != 0 {
		t.Errorf("pending after accept = %d", n)
	}

	// 1 km to a, then 1 km to b at 1 km/min.
	if got := *h.order(t, a).EstimatedArrival; !about(got, h.now.Add(time.Minute)) {
		t.Errorf("eta a = %v", got)
	}
	if got := *h.order(t, b).EstimatedArrival; !about(got, h.now.Add(2*time.Minute)) {
		t.Errorf("eta b = %v", got)
	}

	stops := res.Details.Stops
	if len(stops) != 5 || !stops[0].IsDriver || stops[1].OrderID != a || stops[2].OrderID != b {
		t.Errorf("unexpected itinerary %+v", stops)
	}
	if res.Details.TotalPrice != 40 {
		t.Errorf("total price = %v, want 40", res.Details.TotalPrice)
	}

	if len(h.events.got) != 1 || h.events.got[0].Type != events.DriveAccepted {
		t.Errorf("events = %+v", h.events.got)
	}
}

func TestAcceptDrive_NotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addOrder(1, 5, 20)
	if _, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, false); err != nil {
		t.Fatalf("RequestDrives: %v", err)
	}

	if _, err := h.svc.AcceptDrive(ctx, "d1", "missing"); !errors.Is(err, ErrSuggestionNotFound) {
		t.Errorf("missing suggestion: %v", err)
	}
	if _, err := h.svc.AcceptDrive(ctx, "d2", "sol-all"); !errors.Is(err, ErrSuggestionNotFound) {
		t.Errorf("other driver's suggestion: %v", err)
	}
}

func TestAcceptDrive_Expired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addOrder(1, 5, 20)
	if _, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, false); err != nil {
		t.Fatalf("RequestDrives: %v", err)
	}
	h.now = h.now.Add(2 * time.Minute)
	if _, err := h.svc.AcceptDrive(ctx, "d1", "sol-all"); !errors.Is(err, ErrSuggestionExpired) {
		t.Fatalf("expected ErrSuggestionExpired, got %v", err)
	}
	if o := h.order(t, id); o.Status != order.StatusFrozen {
		t.Errorf("expired accept changed order state to %s", o.Status)
	}
}

func TestAcceptDrive_DeclinedBySolver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addOrder(1, 5, 20)
	if _, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, false); err != nil {
		t.Fatalf("RequestDrives: %v", err)
	}
	h.solver.accept = false

	res, err := h.svc.AcceptDrive(ctx, "d1", "sol-all")
	if err != nil {
		t.Fatalf("AcceptDrive: %v", err)
	}
	if res.Success {
		t.Fatal("expected Success=false")
	}
	if o := h.order(t, id); o.Status != order.StatusFrozen {
		t.Errorf("declined accept changed order state to %s", o.Status)
	}
	if n := h.pendingCount("d1"); n != 2 {
		t.Errorf("pending = %d, want 2", n)
	}
}

func TestAcceptDrive_SolverErrorPropagates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addOrder(1, 5, 20)
	if _, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, false); err != nil {
		t.Fatalf("RequestDrives: %v", err)
	}
	h.solver.acceptErr = solver.ErrUnavailable
	if _, err := h.svc.AcceptDrive(ctx, "d1", "sol-all"); !errors.Is(err, solver.ErrUnavailable) {
		t.Fatalf("expected solver.ErrUnavailable, got %v", err)
	}
}

func TestAcceptDrive_ConflictRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addOrder(1, 5, 20)
	b := h.addOrder(2, 5, 20)
	if _, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, false); err != nil {
		t.Fatalf("RequestDrives: %v", err)
	}
	// b was taken over by another driver in the meantime.
	h.db.mu.Lock()
	other := "d2"
	h.db.orders[b].FrozenBy = &other
	h.db.mu.Unlock()

	if _, err := h.svc.AcceptDrive(ctx, "d1", "sol-all"); !errors.Is(err, order.ErrConflict) {
		t.Fatalf("expected order.ErrConflict, got %v", err)
	}
	if o := h.order(t, a); o.Status != order.StatusFrozen || o.DriveID != nil {
		t.Errorf("partial activation survived: %+v", o)
	}
	if n := h.pendingCount("d1"); n != 2 {
		t.Errorf("pending = %d, want 2", n)
	}
}

func TestAcceptDrive_OneActiveDrivePerDriver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, _ := acceptedDrive(t, h)
	id := h.addOrder(3, 5, 20)

	// A PENDING suggestion left over from before the first accept.
	h.db.mu.Lock()
	h.db.drives["late"] = &suggestion.DriveOrder{
		ID: "late", DriverID: "d1", CreatedAt: h.now, ExpiresAt: h.now.Add(time.Minute),
		Items:  []solver.Item{{ID: itemID(id), Volume: 1, Value: 10}},
		Status: suggestion.StatusPending,
	}
	h.db.mu.Unlock()

	if _, err := h.svc.AcceptDrive(ctx, "d1", "late"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second accept: %v, want ErrInvalidState", err)
	}
	if o := h.order(t, id); o.Status != order.StatusNew || o.DriveID != nil {
		t.Errorf("order %d assigned to a second drive: %+v", id, o)
	}

	if err := h.svc.FinishDrive(ctx, "d1", first); err != nil {
		t.Fatalf("FinishDrive: %v", err)
	}
	res, err := h.svc.AcceptDrive(ctx, "d1", "late")
	if err != nil || !res.Success {
		t.Fatalf("accept after finishing = %+v, %v", res, err)
	}
}

// ---------------------------------------------------------------------------
// RejectDrives
// ---------------------------------------------------------------------------

func TestRejectDrives_ReleasesEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addOrder(1, 5, 20)
	h.addOrder(2, 5, 20)
	if _, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, false); err != nil {
		t.Fatalf("RequestDrives: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := h.svc.RejectDrives(ctx, "d1"); err != nil {
			t.Fatalf("RejectDrives #%d: %v", i+1, err)
		}
		if n := h.pendingCount("d1"); n != 0 {
			t.Errorf("pending = %d, want 0", n)
		}
		h.assertNoneFrozenBy(t, "d1")
	}
}

// ---------------------------------------------------------------------------
// FinishDrive and details
// ---------------------------------------------------------------------------

func acceptedDrive(t *testing.T, h *harness) (string, []int64) {
	t.Helper()
	ctx := context.Background()
	a := h.addOrder(1, 5, 20)
	b := h.addOrder(2, 5, 20)
	if _, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, false); err != nil {
		t.Fatalf("RequestDrives: %v", err)
	}
	res, err := h.svc.AcceptDrive(ctx, "d1", "sol-all")
	if err != nil || !res.Success {
		t.Fatalf("AcceptDrive = %+v, %v", res, err)
	}
	return res.DriveID, []int64{a, b}
}

func TestFinishDrive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	driveID, ids := acceptedDrive(t, h)

	if err := h.svc.FinishDrive(ctx, "d2", driveID); !errors.Is(err, ErrNotAssigned) {
		t.Errorf("foreign driver: %v, want ErrNotAssigned", err)
	}
	if err := h.svc.FinishDrive(ctx, "d1", "nope"); !errors.Is(err, ErrDriveNotFound) {
		t.Errorf("missing drive: %v, want ErrDriveNotFound", err)
	}
	for _, id := range ids {
		if o := h.order(t, id); o.Status != order.StatusActive {
			t.Fatalf("failed finish mutated order %d: %s", id, o.Status)
		}
	}

	if err := h.svc.FinishDrive(ctx, "d1", driveID); err != nil {
		t.Fatalf("FinishDrive: %v", err)
	}
	for _, id := range ids {
		if o := h.order(t, id); o.Status != order.StatusFinished {
			t.Errorf("order %d = %s, want FINISHED", id, o.Status)
		}
	}
	if err := h.svc.FinishDrive(ctx, "d1", driveID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second finish: %v, want ErrInvalidState", err)
	}
}

func TestFinishDrive_UnreadableItemsStillFinish(t *testing.T) {
	h := newHarness(t)
	driveID, ids := acceptedDrive(t, h)
	h.db.mu.Lock()
	h.db.drives[driveID].Items = []solver.Item{{ID: "not-an-order"}}
	h.db.mu.Unlock()

	if err := h.svc.FinishDrive(context.Background(), "d1", driveID); err != nil {
		t.Fatalf("FinishDrive: %v", err)
	}
	for _, id := range ids {
		if o := h.order(t, id); o.Status != order.StatusFinished {
			t.Errorf("order %d = %s, want FINISHED", id, o.Status)
		}
	}
	last := h.events.got[len(h.events.got)-1]
	if last.Type != events.DriveFinished || len(last.OrderIDs) != 0 {
		t.Errorf("finish event = %+v", last)
	}
}

func TestFinishDrive_PendingIsWrongState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addOrder(1, 5, 20)
	if _, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, false); err != nil {
		t.Fatalf("RequestDrives: %v", err)
	}
	if err := h.svc.FinishDrive(ctx, "d1", "sol-all"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if o := h.order(t, id); o.Status != order.StatusFrozen {
		t.Errorf("order mutated to %s", o.Status)
	}
}

func TestDriveDetails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	driveID, ids := acceptedDrive(t, h)

	d, err := h.svc.DriveDetails(ctx, "d1", driveID)
	if err != nil {
		t.Fatalf("DriveDetails: %v", err)
	}
	if d.Status != string(suggestion.StatusActive) || len(d.Stops) != 5 {
		t.Fatalf("unexpected details %+v", d)
	}
	if d.Stops[1].OrderID != ids[0] || d.Stops[1].EstimatedArrival == nil {
		t.Errorf("pickup stop = %+v", d.Stops[1])
	}
	if d.Stops[0].EstimatedArrival != nil {
		t.Error("driver stop has an arrival estimate")
	}

	if _, err := h.svc.DriveDetails(ctx, "d2", driveID); !errors.Is(err, ErrDriveNotFound) {
		t.Errorf("foreign driver: %v, want ErrDriveNotFound", err)
	}
}

func TestDriveDetailsPreview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addOrder(1, 5, 20)
	h.addOrder(2, 5, 30)
	if _, err := h.svc.RequestDrives(ctx, "d1", driverAt, nil, false); err != nil {
		t.Fatalf("RequestDrives: %v", err)
	}

	d, err := h.svc.DriveDetailsPreview(ctx, "d1", "sol-all")
	if err != nil {
		t.Fatalf("DriveDetailsPreview: %v", err)
	}
	if d.Status != string(suggestion.StatusPending) || len(d.Stops) != 5 || d.TotalPrice != 50 {
		t.Errorf("unexpected preview %+v", d)
	}
	for _, st := range d.Stops {
		if st.EstimatedArrival != nil {
			t.Errorf("preview stop has arrival estimate: %+v", st)
		}
	}

	if _, err := h.svc.DriveDetailsPreview(ctx, "d2", "sol-all"); !errors.Is(err, ErrSuggestionNotFound) {
		t.Errorf("foreign driver: %v", err)
	}
	if _, err := h.svc.DriveDetails(ctx, "d1", "sol-all"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("details of pending drive: %v, want ErrInvalidState", err)
	}
}
