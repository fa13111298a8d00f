// README: Order store backed by PostgreSQL; every write is a status-guarded conditional update.
package order

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"driveup/internal/infra"
	"driveup/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) conn(ctx context.Context) infra.DBTX {
	return infra.Conn(ctx, s.db)
}

const selectColumns = `
    o.id, o.email, o.passengers_amount,
    o.source_lat, o.source_lon, o.dest_lat, o.dest_lon,
    o.status, o.status_version, o.frozen_by, o.drive_id,
    o.estimated_cost, o.estimated_arrival, o.created_at,
    d.driver_id`

const fromOrders = `
    FROM passenger_drive_orders o
    LEFT JOIN driver_drive_orders d ON d.id = o.drive_id`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.Email, &o.Passengers,
		&o.Source.Lat, &o.Source.Lng, &o.Dest.Lat, &o.Dest.Lng,
		&o.Status, &o.StatusVersion, &o.FrozenBy, &o.DriveID,
		&o.EstimatedCost, &o.EstimatedArrival, &o.CreatedAt,
		&o.AssignedDriver,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) queryOrders(ctx context.Context, sql string, args ...any) ([]*Order, error) {
	rows, err := s.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) Create(ctx context.Context, o *Order) error {
	return s.conn(ctx).QueryRow(ctx, `
        INSERT INTO passenger_drive_orders (
            email, passengers_amount,
            source_lat, source_lon, dest_lat, dest_lon,
            status, status_version, estimated_cost, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)
        RETURNING id, status_version`,
		o.Email, o.Passengers,
		o.Source.Lat, o.Source.Lng, o.Dest.Lat, o.Dest.Lng,
		string(StatusNew), o.EstimatedCost, o.CreatedAt,
	).Scan(&o.ID, &o.StatusVersion)
}

func (s *Store) Get(ctx context.Context, id int64) (*Order, error) {
	return scanOrder(s.conn(ctx).QueryRow(ctx, `SELECT`+selectColumns+fromOrders+` WHERE o.id = $1`, id))
}

func (s *Store) GetByUserAndID(ctx context.Context, email string, id int64) (*Order, error) {
	return scanOrder(s.conn(ctx).QueryRow(ctx,
		`SELECT`+selectColumns+fromOrders+` WHERE o.id = $1 AND o.email = $2`, id, email))
}

func (s *Store) ListByIDs(ctx context.Context, ids []int64) ([]*Order, error) {
	if len(ids) == 0 {
		return []*Order{}, nil
	}
	return s.queryOrders(ctx, `SELECT`+selectColumns+fromOrders+` WHERE o.id = ANY($1::bigint[]) ORDER BY o.id`, ids)
}

func (s *Store) ListByDriveID(ctx context.Context, driveID string) ([]*Order, error) {
	return s.queryOrders(ctx, `SELECT`+selectColumns+fromOrders+` WHERE o.drive_id = $1 ORDER BY o.id`, driveID)
}

func (s *Store) ListByUser(ctx context.Context, email string, limit, offset int) ([]*Order, error) {
	return s.queryOrders(ctx, `SELECT`+selectColumns+fromOrders+`
        WHERE o.email = $1
        ORDER BY o.created_at DESC, o.id DESC
        LIMIT $2 OFFSET $3`, email, limit, offset)
}

// Cancel deletes the order while it is still NEW and owned by email. It
// reports whether no such order remains afterwards.
func (s *Store) Cancel(ctx context.Context, email string, id int64) (bool, error) {
	if _, err := s.conn(ctx).Exec(ctx, `
        DELETE FROM passenger_drive_orders
        WHERE id = $1 AND email = $2 AND status = $3`,
		id, email, string(StatusNew),
	); err != nil {
		return false, err
	}
	var exists bool
	if err := s.conn(ctx).QueryRow(ctx, `
        SELECT EXISTS (SELECT 1 FROM passenger_drive_orders WHERE id = $1 AND email = $2)`,
		id, email,
	).Scan(&exists); err != nil {
		return false, err
	}
	return !exists, nil
}

// FreezeNearest freezes up to limit NEW orders nearest to the driver by
// great-circle pickup distance in one statement. Rows locked by a concurrent
// freeze are skipped, so two drivers never wait on each other.
func (s *Store) FreezeNearest(ctx context.Context, driverID string, driver types.Point, limit int) ([]Candidate, error) {
	rows, err := s.conn(ctx).Query(ctx, `
        WITH picked AS (
            SELECT o.id,
                $1::float8 * 2 * asin(LEAST(1.0, sqrt(
                    power(sin(radians(o.source_lat - $2) / 2), 2) +
                    cos(radians($2)) * cos(radians(o.source_lat)) *
                    power(sin(radians(o.source_lon - $3) / 2), 2)))) AS pickup_km,
                $1::float8 * 2 * asin(LEAST(1.0, sqrt(
                    power(sin(radians(o.dest_lat - o.source_lat) / 2), 2) +
                    cos(radians(o.source_lat)) * cos(radians(o.dest_lat)) *
                    power(sin(radians(o.dest_lon - o.source_lon) / 2), 2)))) AS ride_km
            FROM passenger_drive_orders o
            WHERE o.status = $4
            ORDER BY pickup_km ASC, o.id ASC
            LIMIT $5
            FOR UPDATE OF o SKIP LOCKED
        )
        UPDATE passenger_drive_orders o
        SET status = $6, frozen_by = $7, status_version = o.status_version + 1
        FROM picked p
        WHERE o.id = p.id AND o.status = $4
        RETURNING
            o.id, o.email, o.passengers_amount,
            o.source_lat, o.source_lon, o.dest_lat, o.dest_lon,
            o.status, o.status_version, o.frozen_by, o.drive_id,
            o.estimated_cost, o.estimated_arrival, o.created_at,
            p.pickup_km, p.ride_km`,
		types.EarthRadiusKm, driver.Lat, driver.Lng, string(StatusNew), limit,
		string(StatusFrozen), driverID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Candidate{}
	for rows.Next() {
		var c Candidate
		o := &c.Order
		if err := rows.Scan(
			&o.ID, &o.Email, &o.Passengers,
			&o.Source.Lat, &o.Source.Lng, &o.Dest.Lat, &o.Dest.Lng,
			&o.Status, &o.StatusVersion, &o.FrozenBy, &o.DriveID,
			&o.EstimatedCost, &o.EstimatedArrival, &o.CreatedAt,
			&c.PickupKm, &c.RideKm,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	sort.Slice(out, func(i, j int) bool {
		if out[i].PickupKm == out[j].PickupKm {
			return out[i].ID < out[j].ID
		}
		return out[i].PickupKm < out[j].PickupKm
	})
	return out, nil
}

func (s *Store) Release(ctx context.Context, driverID string, id int64) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
        UPDATE passenger_drive_orders
        SET status = $1, frozen_by = NULL, status_version = status_version + 1
        WHERE id = $2 AND status = $3 AND frozen_by = $4`,
		string(StatusNew), id, string(StatusFrozen), driverID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseUnchosen reverts every order frozen by driverID except keep.
func (s *Store) ReleaseUnchosen(ctx context.Context, driverID string, keep []int64) (int64, error) {
	if keep == nil {
		keep = []int64{}
	}
	tag, err := s.conn(ctx).Exec(ctx, `
        UPDATE passenger_drive_orders
        SET status = $1, frozen_by = NULL, status_version = status_version + 1
        WHERE status = $2 AND frozen_by = $3 AND NOT (id = ANY($4::bigint[]))`,
		string(StatusNew), string(StatusFrozen), driverID, keep,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Activate assigns the order to driveID. Only a NEW order or one frozen by
// the same driver can be activated.
func (s *Store) Activate(ctx context.Context, id int64, driverID, driveID string) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
        UPDATE passenger_drive_orders
        SET status = $1, drive_id = $2, frozen_by = NULL, status_version = status_version + 1
        WHERE id = $3 AND (status = $4 OR (status = $5 AND frozen_by = $6))`,
		string(StatusActive), driveID, id, string(StatusNew), string(StatusFrozen), driverID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateStatus is a compare-and-swap on (status, status_version). It clears
// frozen_by, so it cannot produce a FROZEN order.
func (s *Store) UpdateStatus(ctx context.Context, id int64, from, to Status, version int) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
        UPDATE passenger_drive_orders
        SET status = $1, frozen_by = NULL, status_version = status_version + 1
        WHERE id = $2 AND status = $3 AND status_version = $4`,
		string(to), id, string(from), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) FinishDrive(ctx context.Context, driveID string) (int64, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
        UPDATE passenger_drive_orders
        SET status = $1, status_version = status_version + 1
        WHERE drive_id = $2 AND status = $3`,
		string(StatusFinished), driveID, string(StatusActive),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) SetEstimatedArrival(ctx context.Context, id int64, at time.Time) error {
	_, err := s.conn(ctx).Exec(ctx, `
        UPDATE passenger_drive_orders SET estimated_arrival = $1 WHERE id = $2`, at, id)
	return err
}

func (s *Store) DeleteAll(ctx context.Context) error {
	_, err := s.conn(ctx).Exec(ctx, `DELETE FROM passenger_drive_orders`)
	return err
}
