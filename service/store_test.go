package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lai/fieldtrack/db"
)

var testDefaults = EventDefaults{
	RadiusMeters:           100,
	LateThreshold:          15 * time.Minute,
	EarlyCheckoutTolerance: 30 * time.Minute,
	LateCheckoutTolerance:  15 * time.Minute,
}

func TestEventFromRow(t *testing.T) {
	start := pgtype.Timestamptz{Time: testStart, Valid: true}
	end := pgtype.Timestamptz{Time: testEnd, Valid: true}

	tests := []struct {
		name       string
		row        db.Event
		wantCenter bool
		wantRadius float64
		wantLate   time.Duration
	}{
		{
			name:       "defaults for NULL columns",
			row:        db.Event{ID: "e1", StartDate: start, EndDate: end},
			wantCenter: false,
			wantRadius: 100,
			wantLate:   15 * time.Minute,
		},
		{
			name: "per-event overrides",
			row: db.Event{
				ID: "e2", StartDate: start, EndDate: end,
				Latitude:      pgtype.Float8{Float64: 45, Valid: true},
				Longitude:     pgtype.Float8{Float64: 7, Valid: true},
				GeoRadius:     pgtype.Int4{Int32: 250, Valid: true},
				LateThreshold: pgtype.Int4{Int32: 5, Valid: true},
			},
			wantCenter: true,
			wantRadius: 250,
			wantLate:   5 * time.Minute,
		},
		{
			name: "half a center is no center",
			row: db.Event{
				ID: "e3", StartDate: start, EndDate: end,
				Latitude:  pgtype.Float8{Float64: 45, Valid: true},
				GeoRadius: pgtype.Int4{Int32: 0, Valid: true},
			},
			wantCenter: false,
			wantRadius: 100,
			wantLate:   15 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := eventFromRow(tt.row, testDefaults)
			if (e.Center != nil) != tt.wantCenter {
				t.Errorf("center = %v, want present=%v", e.Center, tt.wantCenter)
			}
			if e.RadiusMeters != tt.wantRadius {
				t.Errorf("radius = %v, want %v", e.RadiusMeters, tt.wantRadius)
			}
			if e.LateThreshold != tt.wantLate {
				t.Errorf("late threshold = %v, want %v", e.LateThreshold, tt.wantLate)
			}
			if !e.Start.Equal(testStart) || !e.End.Equal(testEnd) {
				t.Errorf("schedule = %v..%v", e.Start, e.End)
			}
		})
	}
}

func TestPositionRow_UnknownBattery(t *testing.T) {
	rec := PositionRecord{AgentID: "a1", EventID: "e1", Sample: PositionSample{
		Latitude: 1, Longitude: 2, BatteryLevel: UnknownBattery, CapturedAt: testStart,
	}}
	row := positionRow(rec)
	if row.BatteryLevel.Valid {
		t.Error("unknown battery stored as a value")
	}
	if got := sampleFromRow(row).BatteryLevel; got != UnknownBattery {
		t.Errorf("battery = %d, want UnknownBattery", got)
	}
}

// fakeDB implements db.DBTX for testing the insert paths.
type fakeDB struct {
	mu      sync.Mutex
	copyErr error
	execErr func(args []any) error
	execs   int
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs++
	if f.execErr != nil {
		if err := f.execErr(args); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	panic("not implemented")
}

func (f *fakeDB) CopyFrom(ctx context.Context, table pgx.Identifier, cols []string, src pgx.CopyFromSource) (int64, error) {
	if f.copyErr != nil {
		return 0, f.copyErr
	}
	n := int64(0)
	for src.Next() {
		n++
	}
	return n, nil
}

func records(n int) []PositionRecord {
	recs := make([]PositionRecord, n)
	for i := range recs {
		recs[i] = PositionRecord{AgentID: "a1", EventID: "e1", Sample: PositionSample{
			BatteryLevel: 50,
			CapturedAt:   testStart.Add(time.Duration(i) * time.Second),
		}}
	}
	return recs
}

func TestPgStore_InsertPositions(t *testing.T) {
	tests := []struct {
		name      string
		db        *fakeDB
		wantExecs int
		wantErr   bool
	}{
		{"bulk copy", &fakeDB{}, 0, false},
		{"copy conflict falls back to rows", &fakeDB{copyErr: errors.New("duplicate key")}, 3, false},
		{
			"row failure",
			&fakeDB{
				copyErr: errors.New("duplicate key"),
				execErr: func(args []any) error {
					if args[0] == "a1" {
						return errors.New("connection reset")
					}
					return nil
				},
			},
			3,
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewPgStore(db.New(tt.db), testDefaults)
			err := s.InsertPositions(context.Background(), records(3))

			if tt.db.execs != tt.wantExecs {
				t.Errorf("execs = %d, want %d", tt.db.execs, tt.wantExecs)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrPersistence) {
				t.Errorf("got %v, want ErrPersistence", err)
			}
		})
	}
}

func TestEventCache(t *testing.T) {
	store := newMockEventStore(testEvent("evt-1"))
	clock := &fakeClock{t: testStart}
	c := NewEventCache(store, 30*time.Second, clock.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.GetEvent(ctx, "evt-1"); err != nil {
			t.Fatal(err)
		}
	}
	if store.calls != 1 {
		t.Errorf("store calls = %d, want 1", store.calls)
	}

	clock.Advance(31 * time.Second)
	if _, err := c.GetEvent(ctx, "evt-1"); err != nil {
		t.Fatal(err)
	}
	if store.calls != 2 {
		t.Errorf("store calls after expiry = %d, want 2", store.calls)
	}

	for i := 0; i < 2; i++ {
		if _, err := c.GetEvent(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	}
	if store.calls != 4 {
		t.Errorf("failed lookups were cached: calls = %d, want 4", store.calls)
	}
}

func TestEventCache_Disabled(t *testing.T) {
	store := newMockEventStore(testEvent("evt-1"))
	c := NewEventCache(store, 0, nil)

	c.GetEvent(context.Background(), "evt-1")
	c.GetEvent(context.Background(), "evt-1")
	if store.calls != 2 {
		t.Errorf("store calls = %d, want 2", store.calls)
	}
}
