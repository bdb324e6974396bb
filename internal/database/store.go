package database

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/smukkama/iot-watch/internal/reading"
)

const readingColumns = `id, latitude, longitude, ts_us, temperature, humidity, wind_speed, precipitation, source`

// ReadingStore is the append-only reading log. Appends are serialized by a
// single writer lock; reads run concurrently against committed rows only.
type ReadingStore struct {
	db     *DB
	limits reading.Limits
	mu     sync.Mutex

	// Now is the reference clock for future-timestamp validation.
	Now func() time.Time
}

// NewReadingStore creates a store over an already migrated database
func NewReadingStore(db *DB, limits reading.Limits) *ReadingStore {
	return &ReadingStore{
		db:     db,
		limits: limits,
		Now:    time.Now,
	}
}

// Append validates and persists a reading. Timestamps must not go backwards
// within a location series.
func (s *ReadingStore) Append(ctx context.Context, r reading.Reading) error {
	if err := s.limits.Validate(r, s.Now()); err != nil {
		return err
	}
	r.Timestamp = r.Timestamp.UTC()
	key := r.Location().Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &reading.StoreUnavailableError{Op: "append", Err: err}
	}
	defer tx.Rollback()

	var latest sql.NullInt64
	err = tx.QueryRowContext(ctx,
		s.db.rebind(`SELECT MAX(ts_us) FROM readings WHERE location_key = ?`), key,
	).Scan(&latest)
	if err != nil {
		return &reading.StoreUnavailableError{Op: "append", Err: err}
	}
	ts := r.Timestamp.UnixMicro()
	if latest.Valid && ts < latest.Int64 {
		return &reading.ValidationError{
			Field: "timestamp",
			Reason: fmt.Sprintf("%s is earlier than the latest reading %s for %s",
				r.Timestamp.Format(time.RFC3339), time.UnixMicro(latest.Int64).UTC().Format(time.RFC3339), key),
		}
	}

	query := s.db.rebind(`
		INSERT INTO readings (
			location_key, latitude, longitude, ts_us, temperature,
			humidity, wind_speed, precipitation, source
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := tx.ExecContext(ctx, query,
		key, r.Latitude, r.Longitude, ts, r.Temperature,
		nullable(r.Humidity), nullable(r.WindSpeed), nullable(r.Precipitation), r.Source,
	); err != nil {
		return &reading.StoreUnavailableError{Op: "append", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &reading.StoreUnavailableError{Op: "append", Err: err}
	}
	return nil
}

// Query returns the readings in [q.Start, q.End) ordered by timestamp. The
// sequence runs a fresh query each time it is ranged over.
func (s *ReadingStore) Query(ctx context.Context, q reading.Query) iter.Seq2[reading.Reading, error] {
	return func(yield func(reading.Reading, error) bool) {
		if q.Start.IsZero() || q.End.IsZero() {
			yield(reading.Reading{}, &reading.ValidationError{Field: "range", Reason: "start and end are required"})
			return
		}
		if !q.End.After(q.Start) {
			return
		}

		stmt := `SELECT ` + readingColumns + ` FROM readings WHERE ts_us >= ? AND ts_us < ?`
		args := []any{q.Start.UnixMicro(), q.End.UnixMicro()}
		if q.Location != nil {
			stmt += ` AND location_key = ?`
			args = append(args, q.Location.Key())
		}
		stmt += ` ORDER BY ts_us, id`

		rows, err := s.db.QueryContext(ctx, s.db.rebind(stmt), args...)
		if err != nil {
			yield(reading.Reading{}, &reading.StoreUnavailableError{Op: "query", Err: err})
			return
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanReading(rows)
			if err != nil {
				yield(reading.Reading{}, &reading.StoreUnavailableError{Op: "query", Err: err})
				return
			}
			if !yield(r, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(reading.Reading{}, &reading.StoreUnavailableError{Op: "query", Err: err})
		}
	}
}

// Last returns up to n most recent readings for a location, oldest first.
func (s *ReadingStore) Last(ctx context.Context, loc reading.Location, n int) ([]reading.Reading, error) {
	if n <= 0 {
		return nil, nil
	}
	stmt := s.db.rebind(`SELECT ` + readingColumns + ` FROM readings
		WHERE location_key = ? ORDER BY ts_us DESC, id DESC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, stmt, loc.Key(), n)
	if err != nil {
		return nil, &reading.StoreUnavailableError{Op: "last", Err: err}
	}
	defer rows.Close()

	var out []reading.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, &reading.StoreUnavailableError{Op: "last", Err: err}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &reading.StoreUnavailableError{Op: "last", Err: err}
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Latest returns the newest reading for a location. The boolean is false
// when the series is empty.
func (s *ReadingStore) Latest(ctx context.Context, loc reading.Location) (reading.Reading, bool, error) {
	last, err := s.Last(ctx, loc, 1)
	if err != nil || len(last) == 0 {
		return reading.Reading{}, false, err
	}
	return last[0], true, nil
}

// Since returns the readings of a location with timestamp >= t, oldest first.
func (s *ReadingStore) Since(ctx context.Context, loc reading.Location, t time.Time) ([]reading.Reading, error) {
	stmt := s.db.rebind(`SELECT ` + readingColumns + ` FROM readings
		WHERE location_key = ? AND ts_us >= ? ORDER BY ts_us, id`)
	rows, err := s.db.QueryContext(ctx, stmt, loc.Key(), t.UnixMicro())
	if err != nil {
		return nil, &reading.StoreUnavailableError{Op: "since", Err: err}
	}
	defer rows.Close()

	var out []reading.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, &reading.StoreUnavailableError{Op: "since", Err: err}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &reading.StoreUnavailableError{Op: "since", Err: err}
	}
	return out, nil
}

// Locations lists every series that has at least one reading.
func (s *ReadingStore) Locations(ctx context.Context) ([]reading.Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT latitude, longitude FROM readings
		WHERE id IN (SELECT MIN(id) FROM readings GROUP BY location_key)
		ORDER BY location_key
	`)
	if err != nil {
		return nil, &reading.StoreUnavailableError{Op: "locations", Err: err}
	}
	defer rows.Close()

	var out []reading.Location
	for rows.Next() {
		var loc reading.Location
		if err := rows.Scan(&loc.Latitude, &loc.Longitude); err != nil {
			return nil, &reading.StoreUnavailableError{Op: "locations", Err: err}
		}
		out = append(out, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, &reading.StoreUnavailableError{Op: "locations", Err: err}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReading(row scanner) (reading.Reading, error) {
	var (
		r                      reading.Reading
		ts                     int64
		humidity, wind, precip sql.NullFloat64
	)
	if err := row.Scan(&r.ID, &r.Latitude, &r.Longitude, &ts, &r.Temperature,
		&humidity, &wind, &precip, &r.Source); err != nil {
		return reading.Reading{}, err
	}
	r.Timestamp = time.UnixMicro(ts).UTC()
	r.Humidity = fromNullable(humidity)
	r.WindSpeed = fromNullable(wind)
	r.Precipitation = fromNullable(precip)
	return r, nil
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func fromNullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
