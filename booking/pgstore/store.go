// Package pgstore is a Postgres booking.Collaborator. Appointment creation
// locks the business row so concurrent calls re-check the slot in order.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/bt-bridge/salon-voice/booking"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	pool     *pgxpool.Pool
	ownsPool bool
	now      func() time.Time
}

var _ booking.Collaborator = (*Store)(nil)

type Params struct {
	// Pool is used as is when set; otherwise DSN is dialed and owned.
	Pool *pgxpool.Pool
	DSN  string
	Now  func() time.Time
}

func New(ctx context.Context, params Params) (*Store, error) {
	s := &Store{pool: params.Pool, now: params.Now}
	if s.now == nil {
		s.now = time.Now
	}
	if s.pool == nil {
		if params.DSN == "" {
			return nil, errors.New("postgres dsn is required")
		}
		pool, err := pgxpool.New(ctx, params.DSN)
		if err != nil {
			return nil, fmt.Errorf("creating postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("pinging postgres: %w", err)
		}
		s.pool = pool
		s.ownsPool = true
	}
	return s, nil
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	if s.ownsPool {
		s.pool.Close()
	}
}

// SeedBusiness upserts a business and its catalog.
func (s *Store) SeedBusiness(ctx context.Context, businessID string, hours booking.Hours, services []booking.Service) error {
	closed := make([]int32, 0, len(hours.ClosedDays))
	for _, d := range hours.ClosedDays {
		closed = append(closed, int32(d))
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO businesses (id, open_hour, close_hour, closed_days)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE
			SET open_hour = EXCLUDED.open_hour, close_hour = EXCLUDED.close_hour, closed_days = EXCLUDED.closed_days`,
			businessID, hours.Open, hours.Close, closed); err != nil {
			return fmt.Errorf("upserting business: %w", err)
		}
		for _, svc := range services {
			if _, err := tx.Exec(ctx, `
				INSERT INTO services (business_id, id, name, duration_minutes, price, active)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (business_id, id) DO UPDATE
				SET name = EXCLUDED.name, duration_minutes = EXCLUDED.duration_minutes,
				    price = EXCLUDED.price, active = EXCLUDED.active`,
				businessID, svc.ID, svc.Name, svc.DurationMinutes, svc.Price, svc.Active); err != nil {
				return fmt.Errorf("upserting service %q: %w", svc.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) LookupServices(ctx context.Context, filter booking.ServiceFilter) ([]booking.Service, error) {
	if _, err := s.hours(ctx, s.pool, filter.BusinessID, false); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, business_id, name, duration_minutes, price::float8, active
		FROM services
		WHERE business_id = $1
		  AND ($2 = '' OR id = $2 OR name ILIKE '%' || $2 || '%')
		  AND (NOT $3 OR active)
		ORDER BY name`,
		filter.BusinessID, filter.Query, filter.ActiveOnly)
	if err != nil {
		return nil, fmt.Errorf("querying services: %w", err)
	}
	services, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (booking.Service, error) {
		var svc booking.Service
		err := row.Scan(&svc.ID, &svc.BusinessID, &svc.Name, &svc.DurationMinutes, &svc.Price, &svc.Active)
		return svc, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning services: %w", err)
	}
	return services, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) hours(ctx context.Context, q querier, businessID string, lock bool) (booking.Hours, error) {
	query := `SELECT open_hour, close_hour, closed_days FROM businesses WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var (
		h      booking.Hours
		closed []int32
	)
	err := q.QueryRow(ctx, query, businessID).Scan(&h.Open, &h.Close, &closed)
	if errors.Is(err, pgx.ErrNoRows) {
		return h, fmt.Errorf("business %q: %w", businessID, booking.ErrNotFound)
	}
	if err != nil {
		return h, fmt.Errorf("loading business hours: %w", err)
	}
	for _, d := range closed {
		h.ClosedDays = append(h.ClosedDays, time.Weekday(d))
	}
	return h, nil
}

func (s *Store) overlapping(ctx context.Context, q querier, businessID string, start, end time.Time) (bool, error) {
	var taken bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE business_id = $1 AND status <> 'cancelled'
			  AND start_at < $3 AND end_at > $2
		)`, businessID, start, end).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("checking overlap: %w", err)
	}
	return taken, nil
}

func (s *Store) CheckAvailability(ctx context.Context, businessID string, start time.Time, duration time.Duration) (bool, error) {
	h, err := s.hours(ctx, s.pool, businessID, false)
	if err != nil {
		return false, err
	}
	if !start.After(s.now()) || !h.Contains(start, duration) {
		return false, nil
	}
	taken, err := s.overlapping(ctx, s.pool, businessID, start, start.Add(duration))
	if err != nil {
		return false, err
	}
	return !taken, nil
}

func (s *Store) FindClient(ctx context.Context, businessID, phone, name string) (*booking.Client, error) {
	var c booking.Client
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, business_id, name, phone
		FROM clients
		WHERE business_id = $1
		  AND (($2 <> '' AND phone = $2) OR ($3 <> '' AND lower(name) = lower($3)))
		ORDER BY (phone = $2) DESC, created_at
		LIMIT 1`,
		businessID, phone, name).Scan(&c.ID, &c.BusinessID, &c.Name, &c.Phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding client: %w", err)
	}
	return &c, nil
}

func (s *Store) CreateAppointment(ctx context.Context, req booking.AppointmentRequest) (*booking.Appointment, error) {
	var appt *booking.Appointment
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		h, err := s.hours(ctx, tx, req.BusinessID, true)
		if err != nil {
			return err
		}
		var (
			serviceName string
			minutes     int
		)
		err = tx.QueryRow(ctx, `SELECT name, duration_minutes FROM services WHERE business_id = $1 AND id = $2`,
			req.BusinessID, req.ServiceID).Scan(&serviceName, &minutes)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("service %q: %w", req.ServiceID, booking.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("loading service: %w", err)
		}
		duration := req.Duration
		if duration <= 0 {
			duration = time.Duration(minutes) * time.Minute
		}
		end := req.Start.Add(duration)
		if !req.Start.After(s.now()) || !h.Contains(req.Start, duration) {
			return booking.ErrClosed
		}
		taken, err := s.overlapping(ctx, tx, req.BusinessID, req.Start, end)
		if err != nil {
			return err
		}
		if taken {
			return booking.ErrSlotTaken
		}

		clientID := req.ClientID
		if clientID == "" {
			err = tx.QueryRow(ctx, `
				INSERT INTO clients (id, business_id, name, phone)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (business_id, phone) DO UPDATE
				SET name = COALESCE(NULLIF(EXCLUDED.name, ''), clients.name)
				RETURNING id::text`,
				uuid.New(), req.BusinessID, req.ClientName, req.ClientPhone).Scan(&clientID)
			if err != nil {
				return fmt.Errorf("upserting client: %w", err)
			}
		}

		source := req.Source
		if source == "" {
			source = booking.SourceVoice
		}
		a := booking.Appointment{
			ID:          uuid.NewString(),
			BusinessID:  req.BusinessID,
			ServiceID:   req.ServiceID,
			ServiceName: serviceName,
			ClientID:    clientID,
			ClientName:  req.ClientName,
			ClientPhone: req.ClientPhone,
			Start:       req.Start,
			End:         end,
			Status:      booking.StatusConfirmed,
			Source:      source,
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO appointments (id, business_id, service_id, client_id, start_at, end_at, status, source, session_id, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING created_at`,
			a.ID, a.BusinessID, a.ServiceID, a.ClientID, a.Start, a.End, a.Status, a.Source, req.SessionID, req.Notes,
		).Scan(&a.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting appointment: %w", err)
		}
		appt = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}
