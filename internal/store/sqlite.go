// Package store persists trip events in SQLite and serves report queries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rufus800/challawa-np/internal/models"
)

// timeLayout is fixed width so text ordering equals chronological ordering
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var (
	// ErrClosed is returned by a Writer that no longer accepts events
	ErrClosed = errors.New("store: closed")
	// ErrInvalidEvent rejects records that break the trip invariants. Never retried.
	ErrInvalidEvent = errors.New("store: invalid trip event")
)

// StoreError wraps a driver failure with the operation that caused it
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Column names are part of the external report contract; changes must be additive.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS trip_events (
		event_id          TEXT PRIMARY KEY,
		unit_id           INTEGER NOT NULL,
		onset_timestamp   TEXT NOT NULL,
		clear_timestamp   TEXT,
		pressure_at_onset REAL,
		speed_at_onset    REAL,
		recorded_at       TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trip_events_onset ON trip_events (onset_timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_trip_events_unit_onset ON trip_events (unit_id, onset_timestamp)`,
}

const selectColumns = `event_id, unit_id, onset_timestamp, clear_timestamp, pressure_at_onset, speed_at_onset`

// Filter selects trip events. Nil fields match everything; set fields are ANDed.
// From and To bound onset_timestamp inclusively.
type Filter struct {
	UnitID *int
	From   *time.Time
	To     *time.Time
}

// ForUnit returns a filter on a single unit
func ForUnit(unitID int) Filter {
	return Filter{UnitID: &unitID}
}

// SQLiteStore is the durable event store
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens or creates the database at path. Writes are synchronous (WAL, synchronous=FULL).
func Open(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, &StoreError{Op: "migrate", Err: err}
		}
	}

	return &SQLiteStore{db: db, path: path, now: time.Now}, nil
}

// Path returns the database file
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append inserts a new trip or records the clear of an existing one.
// It returns only after SQLite has committed. Re-appending the same record is a no-op,
// so retries after an ambiguous failure are safe.
func (s *SQLiteStore) Append(ctx context.Context, ev models.TripEvent) error {
	if err := validate(ev); err != nil {
		return err
	}

	var cleared sql.NullString
	if ev.ClearTimestamp != nil {
		cleared = sql.NullString{String: formatTime(*ev.ClearTimestamp), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trip_events (event_id, unit_id, onset_timestamp, clear_timestamp, pressure_at_onset, speed_at_onset, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			clear_timestamp = COALESCE(excluded.clear_timestamp, trip_events.clear_timestamp)`,
		ev.EventID, ev.UnitID, formatTime(ev.OnsetTimestamp), cleared,
		nullableReal(ev.PressureAtOnset), nullableReal(ev.SpeedAtOnset), formatTime(s.now()))
	if err != nil {
		return &StoreError{Op: "append", Err: err}
	}
	return nil
}

func validate(ev models.TripEvent) error {
	switch {
	case ev.EventID == "":
		return fmt.Errorf("%w: empty event id", ErrInvalidEvent)
	case ev.OnsetTimestamp.IsZero():
		return fmt.Errorf("%w: %s has no onset", ErrInvalidEvent, ev.EventID)
	case ev.ClearTimestamp != nil && !ev.ClearTimestamp.After(ev.OnsetTimestamp):
		return fmt.Errorf("%w: %s clears at or before its onset", ErrInvalidEvent, ev.EventID)
	}
	return nil
}

// Query yields matching events ordered by onset ascending, then event id.
// Rows are read lazily; ranging over the sequence again re-runs the query.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) iter.Seq2[models.TripEvent, error] {
	return func(yield func(models.TripEvent, error) bool) {
		where, args := f.clause()
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+selectColumns+` FROM trip_events`+where+` ORDER BY onset_timestamp ASC, event_id ASC`, args...)
		if err != nil {
			yield(models.TripEvent{}, &StoreError{Op: "query", Err: err})
			return
		}
		defer rows.Close()

		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				yield(models.TripEvent{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.TripEvent{}, &StoreError{Op: "query", Err: err})
		}
	}
}

// OpenEvents returns every trip without a clear timestamp
func (s *SQLiteStore) OpenEvents(ctx context.Context) ([]models.TripEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM trip_events WHERE clear_timestamp IS NULL ORDER BY onset_timestamp ASC`)
	if err != nil {
		return nil, &StoreError{Op: "open events", Err: err}
	}
	defer rows.Close()

	var events []models.TripEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "open events", Err: err}
	}
	return events, nil
}

// HasEvents reports whether any trip was ever recorded for the unit
func (s *SQLiteStore) HasEvents(ctx context.Context, unitID int) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM trip_events WHERE unit_id = ?)`, unitID).Scan(&exists)
	if err != nil {
		return false, &StoreError{Op: "has events", Err: err}
	}
	return exists == 1, nil
}

// Collect drains a query into a slice
func Collect(seq iter.Seq2[models.TripEvent, error]) ([]models.TripEvent, error) {
	var events []models.TripEvent
	for ev, err := range seq {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (f Filter) clause() (string, []any) {
	var conds []string
	var args []any

	if f.UnitID != nil {
		conds = append(conds, "unit_id = ?")
		args = append(args, *f.UnitID)
	}
	if f.From != nil {
		conds = append(conds, "onset_timestamp >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		conds = append(conds, "onset_timestamp <= ?")
		args = append(args, formatTime(*f.To))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (models.TripEvent, error) {
	var (
		ev              models.TripEvent
		onset           string
		cleared         sql.NullString
		pressure, speed sql.NullFloat64
	)
	if err := row.Scan(&ev.EventID, &ev.UnitID, &onset, &cleared, &pressure, &speed); err != nil {
		return ev, &StoreError{Op: "scan", Err: err}
	}

	t, err := time.Parse(timeLayout, onset)
	if err != nil {
		return ev, &StoreError{Op: "scan onset", Err: err}
	}
	ev.OnsetTimestamp = t

	if cleared.Valid {
		c, err := time.Parse(timeLayout, cleared.String)
		if err != nil {
			return ev, &StoreError{Op: "scan clear", Err: err}
		}
		ev.ClearTimestamp = &c
	}

	ev.PressureAtOnset = realFromNull(pressure)
	ev.SpeedAtOnset = realFromNull(speed)
	return ev, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// SQLite cannot hold NaN; it is stored as NULL and read back as NaN.
func nullableReal(r models.Real) sql.NullFloat64 {
	f := float64(r)
	if math.IsNaN(f) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

func realFromNull(n sql.NullFloat64) models.Real {
	if !n.Valid {
		return models.Real(math.NaN())
	}
	return models.Real(n.Float64)
}
