package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, passenger_id, driver_id, from_address, from_lat, from_lng, to_address, to_lat, to_lng,
	distance_km, fare, status, payment_status, started_at, completed_at, cancelled_by,
	shared, passengers, max_passengers, shared_fare, version, created_at, updated_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		createRideArgs(r)...)
	return err
}

func createRideArgs(r *models.Ride) []any {
	return []any{
		r.ID, r.PassengerID, nullString(r.DriverID), r.From.Address, r.From.Lat, r.From.Lng, r.To.Address, r.To.Lat, r.To.Lng,
		r.DistanceKm, r.Fare, string(r.Status), string(r.PaymentStatus), r.StartedAt, r.CompletedAt, nullString(r.CancelledBy),
		r.Shared, passengersArg(r.Passengers), r.MaxPassengers, r.SharedFare, r.Version, r.CreatedAt, r.UpdatedAt,
	}
}

func (p *PostgresStore) FindRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// UpdateRide is a conditional write on the version column; a concurrent
// writer that got there first makes RowsAffected zero.
func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride, expectVersion int) error {
	now := time.Now()
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET
			driver_id = $2, fare = $3, status = $4, payment_status = $5,
			started_at = $6, completed_at = $7, cancelled_by = $8,
			passengers = $9, shared_fare = $10,
			version = version + 1, updated_at = $11
		WHERE id = $1 AND version = $12`,
		updateRideArgs(r, now, expectVersion)...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	r.Version = expectVersion + 1
	r.UpdatedAt = now
	return nil
}

func (p *PostgresStore) FindRides(ctx context.Context, f RideFilter) ([]*models.Ride, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		args = append(args, pq.Array(ss))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		where = append(where, fmt.Sprintf("driver_id = $%d", len(args)))
	}
	if f.PassengerID != "" {
		args = append(args, f.PassengerID)
		where = append(where, fmt.Sprintf("(passenger_id = $%d OR $%d = ANY(passengers))", len(args), len(args)))
	}
	q := `SELECT ` + rideColumns + ` FROM rides`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindUser(ctx context.Context, id string) (*models.User, error) {
	var (
		u       models.User
		role    string
		lat     sql.NullFloat64
		lng     sql.NullFloat64
		connID  sql.NullString
		updated sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, role, location_lat, location_lng, socket_id, active, last_updated
		FROM users WHERE id = $1`, id).Scan(&u.ID, &role, &lat, &lng, &connID, &u.Active, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	if lat.Valid && lng.Valid {
		u.Location = &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
	}
	u.ConnID = connID.String
	if updated.Valid {
		t := updated.Time
		u.LastUpdated = &t
	}
	return &u, nil
}

func (p *PostgresStore) UpdateUser(ctx context.Context, id string, upd UserUpdate) error {
	var (
		sets []string
		args = []any{id}
	)
	if upd.Location != nil {
		args = append(args, upd.Location.Lat, upd.Location.Lng)
		sets = append(sets, fmt.Sprintf("location_lat = $%d, location_lng = $%d", len(args)-1, len(args)))
	}
	if upd.ConnID != nil {
		args = append(args, nullString(*upd.ConnID))
		sets = append(sets, fmt.Sprintf("socket_id = $%d", len(args)))
	}
	if upd.LastUpdated != nil {
		args = append(args, *upd.LastUpdated)
		sets = append(sets, fmt.Sprintf("last_updated = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	res, err := p.db.ExecContext(ctx, `UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r           models.Ride
		driverID    sql.NullString
		cancelledBy sql.NullString
		status      string
		payment     string
		startedAt   sql.NullTime
		completedAt sql.NullTime
		passengers  pq.StringArray
	)
	err := s.Scan(&r.ID, &r.PassengerID, &driverID, &r.From.Address, &r.From.Lat, &r.From.Lng, &r.To.Address, &r.To.Lat, &r.To.Lng,
		&r.DistanceKm, &r.Fare, &status, &payment, &startedAt, &completedAt, &cancelledBy,
		&r.Shared, &passengers, &r.MaxPassengers, &r.SharedFare, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.CancelledBy = cancelledBy.String
	r.Status = models.RideStatus(status)
	r.PaymentStatus = models.PaymentStatus(payment)
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	if len(passengers) > 0 {
		r.Passengers = []string(passengers)
	}
	return &r, nil
}

func updateRideArgs(r *models.Ride, now time.Time, expectVersion int) []any {
	return []any{
		r.ID, nullString(r.DriverID), r.Fare, string(r.Status), string(r.PaymentStatus),
		r.StartedAt, r.CompletedAt, nullString(r.CancelledBy),
		passengersArg(r.Passengers), r.SharedFare, now, expectVersion,
	}
}

// passengersArg binds an empty array, never NULL: the column is NOT NULL
// and a solo ride carries no passenger list.
func passengersArg(ps []string) driver.Valuer {
	if ps == nil {
		ps = []string{}
	}
	return pq.StringArray(ps)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
