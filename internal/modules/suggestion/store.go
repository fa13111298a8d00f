// README: Suggestion store backed by PostgreSQL (driver_drive_orders).
package suggestion

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"driveup/internal/infra"
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

const uniqueViolation = "23505"

const selectDrive = `
    SELECT id, driver_id, created_at, expires_at, passengers_amount,
           passenger_orders, status, algorithm, driver_lat, driver_lon
    FROM driver_drive_orders`

func scanDrive(row pgx.Row) (*DriveOrder, error) {
	var d DriveOrder
	var items []byte
	err := row.Scan(
		&d.ID, &d.DriverID, &d.CreatedAt, &d.ExpiresAt, &d.Passengers,
		&items, &d.Status, &d.Algorithm, &d.DriverLocation.Lat, &d.DriverLocation.Lng,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &d.Items); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) Insert(ctx context.Context, d *DriveOrder) error {
	items, err := json.Marshal(d.Items)
	if err != nil {
		return err
	}
	_, err = s.conn(ctx).Exec(ctx, `
        INSERT INTO driver_drive_orders (
            id, driver_id, created_at, expires_at, passengers_amount,
            passenger_orders, status, algorithm, driver_lat, driver_lon
        ) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10)`,
		d.ID, d.DriverID, d.CreatedAt, d.ExpiresAt, d.Passengers,
		string(items), string(d.Status), d.Algorithm, d.DriverLocation.Lat, d.DriverLocation.Lng,
	)
	return err
}

// Get returns the suggestion only when it belongs to driverID.
func (s *Store) Get(ctx context.Context, driverID, id string) (*DriveOrder, error) {
	return scanDrive(s.conn(ctx).QueryRow(ctx, selectDrive+` WHERE id = $1 AND driver_id = $2`, id, driverID))
}

func (s *Store) GetDrive(ctx context.Context, id string) (*DriveOrder, error) {
	return scanDrive(s.conn(ctx).QueryRow(ctx, selectDrive+` WHERE id = $1`, id))
}

// ActiveDrive returns the driver's ACTIVE drive. At most one exists, enforced
// by the one_active_drive_per_driver index.
func (s *Store) ActiveDrive(ctx context.Context, driverID string) (*DriveOrder, error) {
	return scanDrive(s.conn(ctx).QueryRow(ctx, selectDrive+`
        WHERE driver_id = $1 AND status = $2
        LIMIT 1`, driverID, string(StatusActive)))
}

func (s *Store) ListPending(ctx context.Context, driverID string) ([]*DriveOrder, error) {
	rows, err := s.conn(ctx).Query(ctx, selectDrive+`
        WHERE driver_id = $1 AND status = $2
        ORDER BY id`, driverID, string(StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*DriveOrder{}
	for rows.Next() {
		d, err := scanDrive(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) DeletePending(ctx context.Context, driverID string) (int64, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
        DELETE FROM driver_drive_orders WHERE driver_id = $1 AND status = $2`,
		driverID, string(StatusPending))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpdateStatus reports false when the drive is not in from, or when moving it
// to ACTIVE would give its driver a second active drive.
func (s *Store) UpdateStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
        UPDATE driver_drive_orders SET status = $1 WHERE id = $2 AND status = $3`,
		string(to), id, string(from))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	_, err := s.conn(ctx).Exec(ctx, `DELETE FROM driver_drive_orders`)
	return err
}
