package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/smukkama/iot-watch/internal/reading"
)

var agadir = reading.Location{Latitude: 30.4202, Longitude: -9.5982}

func newTestStore(t *testing.T) *ReadingStore {
	t.Helper()

	db, err := Connect(DriverSQLite, filepath.Join(t.TempDir(), "readings.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.RunMigrations(context.Background()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	store := NewReadingStore(db, reading.DefaultLimits)
	store.Now = func() time.Time { return time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC) }
	return store
}

func at(hour int, temp float64) reading.Reading {
	return reading.Reading{
		Timestamp:   time.Date(2024, 6, 9, hour, 0, 0, 0, time.UTC),
		Latitude:    agadir.Latitude,
		Longitude:   agadir.Longitude,
		Temperature: temp,
		Source:      "test",
	}
}

func TestAppendAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, temp := range []float64{18, 19.5, 21} {
		r := at(i, temp)
		if i == 1 {
			r.Humidity = reading.Float(60)
		}
		if err := store.Append(ctx, r); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	loc := agadir
	q := reading.Query{
		Location: &loc,
		Start:    time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2024, 6, 9, 2, 0, 0, 0, time.UTC),
	}
	got, err := reading.Collect(store.Query(ctx, q))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 readings in [00:00, 02:00), got %d", len(got))
	}
	if got[0].Temperature != 18 || got[1].Temperature != 19.5 {
		t.Errorf("Unexpected order: %v, %v", got[0].Temperature, got[1].Temperature)
	}
	if got[1].Humidity == nil || *got[1].Humidity != 60 {
		t.Errorf("Expected humidity to round-trip")
	}
	if got[0].Humidity != nil {
		t.Errorf("Expected missing humidity to stay nil")
	}

	// The sequence is restartable.
	again, err := reading.Collect(store.Query(ctx, q))
	if err != nil || len(again) != 2 {
		t.Fatalf("Expected restartable query, got %d readings, err %v", len(again), err)
	}
}

func TestAppendVisibleImmediately(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, at(5, 22)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	latest, ok, err := store.Latest(ctx, agadir)
	if err != nil || !ok {
		t.Fatalf("Expected latest reading, ok=%v err=%v", ok, err)
	}
	if latest.Temperature != 22 {
		t.Errorf("Expected 22, got %v", latest.Temperature)
	}
}

func TestAppendRejectsOutOfOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, at(10, 20)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	err := store.Append(ctx, at(9, 20))
	var verr *reading.ValidationError
	if !errors.As(err, &verr) || verr.Field != "timestamp" {
		t.Fatalf("Expected timestamp ValidationError, got %v", err)
	}

	// Equal timestamps keep the series non-decreasing.
	if err := store.Append(ctx, at(10, 21)); err != nil {
		t.Fatalf("Expected equal timestamp to be accepted, got %v", err)
	}

	// Other series are independent.
	other := at(1, 15)
	other.Latitude = 48.85
	if err := store.Append(ctx, other); err != nil {
		t.Fatalf("Expected other series to accept earlier timestamp, got %v", err)
	}
}

func TestConcurrentAppendAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const n = 60
	series := func(i int) reading.Reading {
		r := at(0, float64(i)/2)
		r.Timestamp = r.Timestamp.Add(time.Duration(i) * time.Minute)
		return r
	}
	if err := store.Append(ctx, series(0)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	loc := agadir
	q := reading.Query{
		Location: &loc,
		Start:    time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC),
	}
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 1; i < n; i++ {
			if err := store.Append(ctx, series(i)); err != nil {
				t.Errorf("Append %d failed: %v", i, err)
				return
			}
		}
	}()

	// A stale writer behind the first reading is always rejected.
	wg.Add(1)
	go func() {
		defer wg.Done()
		stale := series(0)
		stale.Timestamp = stale.Timestamp.Add(-time.Minute)
		for {
			err := store.Append(ctx, stale)
			var verr *reading.ValidationError
			if !errors.As(err, &verr) || verr.Field != "timestamp" {
				t.Errorf("Expected timestamp ValidationError for stale append, got %v", err)
				return
			}
			select {
			case <-done:
				return
			default:
			}
		}
	}()

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				finished := false
				select {
				case <-done:
					finished = true
				default:
				}
				got, err := reading.Collect(store.Query(ctx, q))
				if err != nil {
					t.Errorf("Query failed: %v", err)
					return
				}
				// Every snapshot is a gap-free, ordered prefix of the series.
				for i, r := range got {
					want := series(i)
					if !r.Timestamp.Equal(want.Timestamp) || r.Temperature != want.Temperature {
						t.Errorf("Snapshot of %d: position %d is %v/%v, want %v/%v",
							len(got), i, r.Timestamp, r.Temperature, want.Timestamp, want.Temperature)
						return
					}
				}
				if finished {
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := reading.Collect(store.Query(ctx, q))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != n {
		t.Errorf("Expected %d readings after all appends, got %d", n, len(got))
	}
}

func TestAppendRejectsImplausible(t *testing.T) {
	store := newTestStore(t)

	err := store.Append(context.Background(), at(1, 75))
	var verr *reading.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
}

func TestLastAndSince(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for h := 0; h < 12; h++ {
		if err := store.Append(ctx, at(h, float64(10+h))); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	last, err := store.Last(ctx, agadir, 3)
	if err != nil {
		t.Fatalf("Last failed: %v", err)
	}
	if len(last) != 3 || last[0].Temperature != 19 || last[2].Temperature != 21 {
		t.Fatalf("Expected chronological last three readings, got %+v", last)
	}

	since, err := store.Since(ctx, agadir, time.Date(2024, 6, 9, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Since failed: %v", err)
	}
	if len(since) != 2 {
		t.Errorf("Expected 2 readings since 10:00, got %d", len(since))
	}
}

func TestQueryRequiresBounds(t *testing.T) {
	store := newTestStore(t)

	_, err := reading.Collect(store.Query(context.Background(), reading.Query{}))
	var verr *reading.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError for unbounded query, got %v", err)
	}
}

func TestLocations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, at(1, 20)); err != nil {
		t.Fatal(err)
	}
	other := at(1, 12)
	other.Latitude, other.Longitude = 48.8566, 2.3522
	if err := store.Append(ctx, other); err != nil {
		t.Fatal(err)
	}

	locs, err := store.Locations(ctx)
	if err != nil {
		t.Fatalf("Locations failed: %v", err)
	}
	if len(locs) != 2 {
		t.Errorf("Expected 2 locations, got %d", len(locs))
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("Unexpected postgres rebind: %s", got)
	}
	lite := &DB{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("Expected sqlite query untouched, got %s", got)
	}
}
