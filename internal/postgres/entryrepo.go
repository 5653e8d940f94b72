package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/platekitchen/kds/internal/kds"
)

//go:embed schema.sql
var schemaSQL string

const defaultTimeout = 5 * time.Second

const entryColumns = `e.id, e.order_id, e.station_id, e.sequence, e.item_name,
	e.quantity, e.modifiers, e.priority, e.recall_count, e.notes, e.bumped_by,
	e.routed_at, e.started_at, e.completed_at, e.cancelled_at,
	o.table_ref, s.name`

const entryFrom = ` FROM routing_entries e
	JOIN orders o ON o.id = e.order_id
	JOIN stations s ON s.id = e.station_id`

// EntryRepo is the store adapter over the single authoritative Postgres
// database. All writes are single-row and conditional on the caller's
// last-known entry state; a notify trigger turns every committed row change
// into a change-feed event.
type EntryRepo struct {
	pool    *pgxpool.Pool
	logger  aqm.Logger
	config  *aqm.Config
	timeout time.Duration
}

func NewEntryRepo(config *aqm.Config, logger aqm.Logger) *EntryRepo {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &EntryRepo{
		logger:  logger,
		config:  config,
		timeout: defaultTimeout,
	}
}

func (r *EntryRepo) Start(ctx context.Context) error {
	url, _ := r.config.GetString("db.postgres.url")
	if url == "" {
		url = "postgres://localhost:5432/kds"
	}
	if timeoutStr, _ := r.config.GetString("db.timeout"); timeoutStr != "" {
		if secs, err := strconv.Atoi(timeoutStr); err == nil && secs > 0 {
			r.timeout = time.Duration(secs) * time.Second
		}
	}

	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return fmt.Errorf("invalid postgres url: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return fmt.Errorf("cannot connect to postgres: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return fmt.Errorf("cannot ping postgres: %w", err)
	}

	if _, err := pool.Exec(connectCtx, schemaSQL); err != nil {
		pool.Close()
		return fmt.Errorf("cannot bootstrap schema: %w", err)
	}

	r.pool = pool
	r.logger.Infof("Connected to Postgres: %s", poolConfig.ConnConfig.Host)
	return nil
}

func (r *EntryRepo) Stop(ctx context.Context) error {
	if r.pool != nil {
		r.pool.Close()
	}
	return nil
}

// ConnString exposes the store DSN for the change-feed listener, which holds
// its own dedicated connection outside the pool.
func (r *EntryRepo) ConnString() string {
	url, _ := r.config.GetString("db.postgres.url")
	if url == "" {
		url = "postgres://localhost:5432/kds"
	}
	return url
}

func (r *EntryRepo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func (r *EntryRepo) CreateOrder(ctx context.Context, o *kds.Order, entries []*kds.RoutingEntry) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("cannot encode order items: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cannot begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, table_ref, seat_ref, items, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, o.ID, o.TableRef, o.SeatRef, items, string(o.Status), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("cannot insert order: %w", err)
	}

	for _, e := range entries {
		_, err = tx.Exec(ctx, `
			INSERT INTO routing_entries
				(id, order_id, station_id, sequence, item_name, quantity,
				 modifiers, priority, recall_count, notes, routed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, e.ID, e.OrderID, e.StationID, e.Sequence, e.ItemName, e.Quantity,
			e.Modifiers, e.Priority, e.RecallCount, e.Notes, e.RoutedAt)
		if err != nil {
			return fmt.Errorf("cannot insert routing entry: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (r *EntryRepo) FindOrder(ctx context.Context, id kds.OrderID) (*kds.Order, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx, `
		SELECT id, table_ref, seat_ref, items, status, created_at, updated_at
		FROM orders WHERE id = $1
	`, id)
	return scanOrder(row)
}

func (r *EntryRepo) FindEntry(ctx context.Context, id kds.EntryID) (*kds.RoutingEntry, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx, `SELECT `+entryColumns+entryFrom+` WHERE e.id = $1`, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kds.ErrNotFound
		}
		return nil, fmt.Errorf("cannot find entry: %w", err)
	}
	return e, nil
}

func (r *EntryRepo) ListEntries(ctx context.Context, filter kds.EntryFilter) ([]kds.RoutingEntry, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + entryColumns + entryFrom + ` WHERE 1=1`
	args := []any{}

	if filter.StationID != nil {
		args = append(args, *filter.StationID)
		query += fmt.Sprintf(" AND e.station_id = $%d", len(args))
	}
	if filter.OrderID != nil {
		args = append(args, *filter.OrderID)
		query += fmt.Sprintf(" AND e.order_id = $%d", len(args))
	}
	if filter.TableRef != nil {
		args = append(args, *filter.TableRef)
		query += fmt.Sprintf(" AND o.table_ref = $%d", len(args))
	}
	if filter.Open != nil {
		if *filter.Open {
			query += " AND e.completed_at IS NULL AND e.cancelled_at IS NULL"
		} else {
			query += " AND (e.completed_at IS NOT NULL OR e.cancelled_at IS NOT NULL)"
		}
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		query += fmt.Sprintf(" AND e.routed_at >= $%d", len(args))
	}

	query += " ORDER BY e.priority DESC, e.routed_at ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cannot list entries: %w", err)
	}
	defer rows.Close()

	var entries []kds.RoutingEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("cannot scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (r *EntryRepo) ApplyTransition(ctx context.Context, id kds.EntryID, t kds.Transition) (*kds.RoutingEntry, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var tag string
	var args []any

	switch t.Type {
	case kds.TransitionStart:
		tag = `UPDATE routing_entries SET started_at = $2 WHERE id = $1`
		args = []any{id, t.At}
	case kds.TransitionBump:
		tag = `UPDATE routing_entries SET completed_at = $2, bumped_by = $3 WHERE id = $1`
		args = []any{id, t.At, t.Actor}
	case kds.TransitionRecall:
		tag = `UPDATE routing_entries SET
			completed_at = NULL,
			bumped_by = NULL,
			started_at = COALESCE(started_at, $2),
			recall_count = recall_count + 1,
			notes = CASE WHEN $3 = '' THEN notes
			             WHEN notes = '' THEN $3
			             ELSE notes || '; ' || $3 END
			WHERE id = $1`
		args = []any{id, t.At, t.Note}
	case kds.TransitionPriority:
		tag = `UPDATE routing_entries SET priority = $2 WHERE id = $1`
		args = []any{id, t.Priority}
	case kds.TransitionCancel:
		tag = `UPDATE routing_entries SET cancelled_at = $2 WHERE id = $1`
		args = []any{id, t.At}
	default:
		return nil, fmt.Errorf("unknown transition type %q", t.Type)
	}

	tag += statePredicate(t.Expected)

	res, err := r.pool.Exec(ctx, tag, args...)
	if err != nil {
		return nil, fmt.Errorf("cannot apply %s transition: %w", t.Type, err)
	}

	if res.RowsAffected() == 0 {
		// The row changed under us, or is gone. Re-read to tell which.
		current, err := r.FindEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &kds.ConflictError{Entry: id, Expected: t.Expected, Current: current.State()}
	}

	// Re-fetch the joined representation rather than trusting RETURNING,
	// the display payload needs order and station fields too.
	return r.FindEntry(ctx, id)
}

// statePredicate encodes an expected entry state as conditions on the
// timestamp columns. This is the optimistic-concurrency check: the update
// matches zero rows when the entry has moved on.
func statePredicate(s kds.EntryState) string {
	switch s {
	case kds.EntryRouted:
		return ` AND started_at IS NULL AND completed_at IS NULL AND cancelled_at IS NULL`
	case kds.EntryStarted:
		return ` AND started_at IS NOT NULL AND completed_at IS NULL AND cancelled_at IS NULL`
	case kds.EntryCompleted:
		return ` AND completed_at IS NOT NULL AND cancelled_at IS NULL`
	default:
		return ` AND cancelled_at IS NOT NULL`
	}
}

func (r *EntryRepo) SettleOrderStatus(ctx context.Context, id kds.OrderID) (*kds.Order, kds.OrderStatus, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx, `
		WITH prior AS (
			SELECT status FROM orders WHERE id = $1
		), agg AS (
			SELECT
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE completed_at IS NULL AND cancelled_at IS NULL) AS open,
				COUNT(*) FILTER (WHERE cancelled_at IS NOT NULL) AS cancelled,
				COUNT(*) FILTER (WHERE completed_at IS NOT NULL) AS completed
			FROM routing_entries WHERE order_id = $1
		)
		UPDATE orders o SET
			status = CASE
				WHEN agg.total = 0 THEN o.status
				WHEN agg.open > 0 THEN 'in_progress'
				WHEN agg.completed = agg.total THEN 'ready'
				WHEN agg.cancelled = agg.total THEN 'cancelled'
				ELSE 'in_progress'
			END,
			updated_at = now()
		FROM agg, prior
		WHERE o.id = $1
		RETURNING o.id, o.table_ref, o.seat_ref, o.items, o.status, o.created_at, o.updated_at, prior.status
	`, id)

	var (
		o        kds.Order
		items    []byte
		status   string
		previous string
	)
	err := row.Scan(&o.ID, &o.TableRef, &o.SeatRef, &items, &status, &o.CreatedAt, &o.UpdatedAt, &previous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", kds.ErrNotFound
		}
		return nil, "", fmt.Errorf("cannot settle order status: %w", err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, "", fmt.Errorf("cannot decode order items: %w", err)
	}
	o.Status = kds.OrderStatus(status)
	return &o, kds.OrderStatus(previous), nil
}

func (r *EntryRepo) ListStations(ctx context.Context) ([]kds.Station, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT id, name, category, active, display_order, queue_warn_threshold,
		       prep_time_critical_secs, overdue_after_secs, recall_window_secs,
		       sound_on_new, auto_advance
		FROM stations ORDER BY display_order ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("cannot list stations: %w", err)
	}
	defer rows.Close()

	var stations []kds.Station
	for rows.Next() {
		s, err := scanStation(rows)
		if err != nil {
			return nil, fmt.Errorf("cannot scan station: %w", err)
		}
		stations = append(stations, *s)
	}
	return stations, rows.Err()
}

func (r *EntryRepo) FindStation(ctx context.Context, id kds.StationID) (*kds.Station, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx, `
		SELECT id, name, category, active, display_order, queue_warn_threshold,
		       prep_time_critical_secs, overdue_after_secs, recall_window_secs,
		       sound_on_new, auto_advance
		FROM stations WHERE id = $1
	`, id)
	s, err := scanStation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kds.ErrNotFound
		}
		return nil, fmt.Errorf("cannot find station: %w", err)
	}
	return s, nil
}

func (r *EntryRepo) SaveStation(ctx context.Context, s *kds.Station) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	_, err := r.pool.Exec(ctx, `
		INSERT INTO stations
			(id, name, category, active, display_order, queue_warn_threshold,
			 prep_time_critical_secs, overdue_after_secs, recall_window_secs,
			 sound_on_new, auto_advance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			active = EXCLUDED.active,
			display_order = EXCLUDED.display_order,
			queue_warn_threshold = EXCLUDED.queue_warn_threshold,
			prep_time_critical_secs = EXCLUDED.prep_time_critical_secs,
			overdue_after_secs = EXCLUDED.overdue_after_secs,
			recall_window_secs = EXCLUDED.recall_window_secs,
			sound_on_new = EXCLUDED.sound_on_new,
			auto_advance = EXCLUDED.auto_advance
	`, s.ID, s.Name, string(s.Category), s.Active, s.DisplayOrder,
		s.Config.QueueWarnThreshold,
		int(s.Config.PrepTimeCritical.Seconds()),
		int(s.Config.OverdueAfter.Seconds()),
		int(s.Config.RecallWindow.Seconds()),
		s.Config.SoundOnNew, s.Config.AutoAdvance)
	if err != nil {
		return fmt.Errorf("cannot save station: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*kds.RoutingEntry, error) {
	var e kds.RoutingEntry
	err := row.Scan(
		&e.ID, &e.OrderID, &e.StationID, &e.Sequence, &e.ItemName,
		&e.Quantity, &e.Modifiers, &e.Priority, &e.RecallCount, &e.Notes,
		&e.BumpedBy, &e.RoutedAt, &e.StartedAt, &e.CompletedAt, &e.CancelledAt,
		&e.TableRef, &e.StationName,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanOrder(row scannable) (*kds.Order, error) {
	var (
		o      kds.Order
		items  []byte
		status string
	)
	err := row.Scan(&o.ID, &o.TableRef, &o.SeatRef, &items, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kds.ErrNotFound
		}
		return nil, fmt.Errorf("cannot find order: %w", err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("cannot decode order items: %w", err)
	}
	o.Status = kds.OrderStatus(status)
	return &o, nil
}

func scanStation(row scannable) (*kds.Station, error) {
	var (
		s                                     kds.Station
		category                              string
		prepCritSecs, overdueSecs, recallSecs int
	)
	err := row.Scan(&s.ID, &s.Name, &category, &s.Active, &s.DisplayOrder,
		&s.Config.QueueWarnThreshold, &prepCritSecs, &overdueSecs, &recallSecs,
		&s.Config.SoundOnNew, &s.Config.AutoAdvance)
	if err != nil {
		return nil, err
	}
	s.Category = kds.StationCategory(category)
	s.Config.PrepTimeCritical = time.Duration(prepCritSecs) * time.Second
	s.Config.OverdueAfter = time.Duration(overdueSecs) * time.Second
	s.Config.RecallWindow = time.Duration(recallSecs) * time.Second
	return &s, nil
}
