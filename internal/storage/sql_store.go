package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Dialect captures the differences between the SQL backends we run on.
type Dialect struct {
	Name       string
	DriverName string
	// Numbered placeholders ($1, $2, ...) instead of '?'.
	Numbered bool
}

var (
	Postgres = Dialect{Name: "postgres", DriverName: "postgres", Numbered: true}
	SQLite   = Dialect{Name: "sqlite", DriverName: "sqlite"}
)

func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("unknown sql dialect %q", name)
}

type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func OpenSQL(ctx context.Context, d Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(d.DriverName, dsn)
	if err != nil {
		return nil, err
	}
	if d.Name == SQLite.Name {
		// SQLite prefers a single writer; it also keeps :memory: databases on one connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db, dialect: d}, nil
}

func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const driverColumns = `id, lat, lng, address, vehicle_category, rating, battery_level, available, current_job_id, updated_at`

const jobColumns = `id, rider_id, pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
	vehicle_category, status, driver_id, previous_driver_id, created_at, assigned_at, cancelled_at,
	cancel_reason, redispatch_count, dispatch_error, payment_intent_id`

func (s *SQLStore) PutDriver(ctx context.Context, d models.Driver) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO drivers (`+driverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			lat = excluded.lat,
			lng = excluded.lng,
			address = excluded.address,
			vehicle_category = excluded.vehicle_category,
			rating = excluded.rating,
			battery_level = excluded.battery_level,
			updated_at = excluded.updated_at`),
		d.ID, d.Location.Lat, d.Location.Lng, normalize(d.Location.Address), string(d.Category),
		d.Rating, d.BatteryLevel, d.Available, normalize(d.CurrentJobID), d.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SQLStore) CreateJob(ctx context.Context, j models.Job) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		j.ID, j.RiderID,
		j.Pickup.Lat, j.Pickup.Lng, normalize(j.Pickup.Address),
		j.Dropoff.Lat, j.Dropoff.Lng, normalize(j.Dropoff.Address),
		string(j.Category), string(j.Status),
		normalize(j.DriverID), normalize(j.PreviousDriverID),
		j.CreatedAt.UnixNano(), normalize(j.AssignedAt), normalize(j.CancelledAt),
		normalize(j.CancelReason), j.RedispatchCount, normalize(j.DispatchError), normalize(j.PaymentIntentID),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("job %s: %w", j.ID, ErrConflict)
	}
	return err
}

func (s *SQLStore) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+driverColumns+` FROM drivers WHERE id = ?`), id)
	d, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Driver{}, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return d, err
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, err
}

func (s *SQLStore) QueryDrivers(ctx context.Context, q DriverQuery) ([]models.Driver, error) {
	var (
		where []string
		args  []any
	)
	if q.Category != "" {
		where = append(where, "vehicle_category = ?")
		args = append(args, string(q.Category))
	}
	if q.AvailableOnly {
		where = append(where, "available = ?")
		args = append(args, true)
	}
	query := `SELECT ` + driverColumns + ` FROM drivers` + whereClause(where) + ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLStore) QueryJobs(ctx context.Context, q JobQuery) ([]models.Job, error) {
	var (
		where []string
		args  []any
	)
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.Category != "" {
		where = append(where, "vehicle_category = ?")
		args = append(args, string(q.Category))
	}
	if !q.AssignedBefore.IsZero() {
		where = append(where, "assigned_at IS NOT NULL AND assigned_at < ?")
		args = append(args, q.AssignedBefore.UnixNano())
	}
	if !q.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, q.CreatedBefore.UnixNano())
	}
	if q.After != nil {
		at := q.After.CreatedAt.UnixNano()
		where = append(where, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, at, at, q.After.ID)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs` + whereClause(where) + ` ORDER BY created_at ASC, id ASC`
	if q.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// AtomicUpdate runs every mutation inside one transaction. Guards are part
// of each UPDATE's WHERE clause, so a row that no longer matches affects
// zero rows and rolls the whole transaction back.
func (s *SQLStore) AtomicUpdate(ctx context.Context, muts ...Mutation) error {
	for _, m := range muts {
		if err := m.validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range muts {
		query, args := s.buildUpdate(m)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s %s: %w", m.Collection, m.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			continue
		}
		var one int
		err = tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM `+string(m.Collection)+` WHERE id = ?`), m.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s %s: %w", m.Collection, m.ID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%s %s: %w", m.Collection, m.ID, ErrConflict)
	}
	return tx.Commit()
}

func (s *SQLStore) buildUpdate(m Mutation) (string, []any) {
	var (
		sets  []string
		conds = []string{"id = ?"}
		args  []any
	)
	for _, f := range sortedKeys(m.Set) {
		sets = append(sets, f+" = ?")
		args = append(args, normalize(m.Set[f]))
	}
	if m.Collection == Drivers {
		sets = append(sets, "updated_at = ?")
		args = append(args, time.Now().UnixNano())
	}
	args = append(args, m.ID)
	for _, f := range sortedKeys(m.Expect) {
		v := normalize(m.Expect[f])
		if v == nil {
			conds = append(conds, f+" IS NULL")
			continue
		}
		conds = append(conds, f+" = ?")
		args = append(args, v)
	}
	query := `UPDATE ` + string(m.Collection) + ` SET ` + strings.Join(sets, ", ") + ` WHERE ` + strings.Join(conds, " AND ")
	return s.rebind(query), args
}

func (s *SQLStore) AppendAlert(ctx context.Context, a models.FraudAlert) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO fraud_alerts (id, trip_id, driver_id, kind, value, message, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		a.ID, a.TripID, normalize(a.DriverID), string(a.Kind), a.Value, a.Message, a.Resolved, a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListAlerts returns the alerts of one trip, oldest first.
func (s *SQLStore) ListAlerts(ctx context.Context, tripID string) ([]models.FraudAlert, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, trip_id, driver_id, kind, value, message, resolved, created_at
		FROM fraud_alerts WHERE trip_id = ? ORDER BY created_at, id`), tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FraudAlert
	for rows.Next() {
		var (
			a        models.FraudAlert
			driverID sql.NullString
			created  int64
		)
		if err := rows.Scan(&a.ID, &a.TripID, &driverID, &a.Kind, &a.Value, &a.Message, &a.Resolved, &created); err != nil {
			return nil, err
		}
		a.DriverID = driverID.String
		a.CreatedAt = fromNanos(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) RecordNotificationFailure(ctx context.Context, f models.NotificationFailure) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO notification_failures (id, recipient_id, kind, job_id, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		f.ID, f.RecipientID, f.Kind, normalize(f.JobID), f.Error, f.CreatedAt.UnixNano(),
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDriver(sc scanner) (models.Driver, error) {
	var (
		d          models.Driver
		address    sql.NullString
		currentJob sql.NullString
		updated    int64
	)
	err := sc.Scan(&d.ID, &d.Location.Lat, &d.Location.Lng, &address, &d.Category,
		&d.Rating, &d.BatteryLevel, &d.Available, &currentJob, &updated)
	if err != nil {
		return models.Driver{}, err
	}
	d.Location.Address = address.String
	d.CurrentJobID = currentJob.String
	d.UpdatedAt = fromNanos(updated)
	return d, nil
}

func scanJob(sc scanner) (models.Job, error) {
	var (
		j                               models.Job
		pickupAddr, dropoffAddr         sql.NullString
		driverID, prevDriverID          sql.NullString
		cancelReason, dispatchErr, piID sql.NullString
		created                         int64
		assignedAt, cancelledAt         sql.NullInt64
	)
	err := sc.Scan(&j.ID, &j.RiderID,
		&j.Pickup.Lat, &j.Pickup.Lng, &pickupAddr,
		&j.Dropoff.Lat, &j.Dropoff.Lng, &dropoffAddr,
		&j.Category, &j.Status, &driverID, &prevDriverID,
		&created, &assignedAt, &cancelledAt,
		&cancelReason, &j.RedispatchCount, &dispatchErr, &piID,
	)
	if err != nil {
		return models.Job{}, err
	}
	j.Pickup.Address = pickupAddr.String
	j.Dropoff.Address = dropoffAddr.String
	j.DriverID = driverID.String
	j.PreviousDriverID = prevDriverID.String
	j.CreatedAt = fromNanos(created)
	j.AssignedAt = nullableNanos(assignedAt)
	j.CancelledAt = nullableNanos(cancelledAt)
	j.CancelReason = cancelReason.String
	j.DispatchError = dispatchErr.String
	j.PaymentIntentID = piID.String
	return j, nil
}

// rebind rewrites '?' placeholders into $n for dialects that number them.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func sortedKeys(f Fields) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullableNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNanos(v.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
