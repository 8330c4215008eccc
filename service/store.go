package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lai/fieldtrack/db"
	"github.com/lai/fieldtrack/geo"
)

// EventStore resolves events by id. Unknown ids yield an error wrapping ErrNotFound.
type EventStore interface {
	GetEvent(ctx context.Context, id string) (Event, error)
}

// EventLister enumerates events that are neither cancelled nor terminated.
type EventLister interface {
	ListOpenEvents(ctx context.Context) ([]Event, error)
}

// PositionStore is the durable side of position samples.
type PositionStore interface {
	InsertPositions(ctx context.Context, recs []PositionRecord) error
	History(ctx context.Context, agentID, eventID string, from, to *time.Time) ([]PositionSample, error)
}

// AlertSink receives every alert for the external notification store.
type AlertSink interface {
	RecordAlert(ctx context.Context, a Alert) error
}

// PositionRecord is a sample keyed by (AgentID, EventID, Sample.CapturedAt).
type PositionRecord struct {
	AgentID string
	EventID string
	Sample  PositionSample
}

// EventDefaults fill in what an event row leaves NULL.
type EventDefaults struct {
	RadiusMeters           float64
	LateThreshold          time.Duration
	EarlyCheckoutTolerance time.Duration
	LateCheckoutTolerance  time.Duration
}

// PgStore implements EventStore, EventLister and PositionStore on PostgreSQL.
type PgStore struct {
	queries  *db.Queries
	defaults EventDefaults
}

func NewPgStore(q *db.Queries, defaults EventDefaults) *PgStore {
	return &PgStore{queries: q, defaults: defaults}
}

func (s *PgStore) GetEvent(ctx context.Context, id string) (Event, error) {
	row, err := s.queries.GetEvent(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Event{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return eventFromRow(row, s.defaults), nil
}

func (s *PgStore) ListOpenEvents(ctx context.Context) ([]Event, error) {
	rows, err := s.queries.ListOpenEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open events: %w", err)
	}
	events := make([]Event, len(rows))
	for i, row := range rows {
		events[i] = eventFromRow(row, s.defaults)
	}
	return events, nil
}

// InsertPositions COPYs the batch, falling back to row inserts that skip duplicates.
func (s *PgStore) InsertPositions(ctx context.Context, recs []PositionRecord) error {
	rows := make([]db.GeoTracking, len(recs))
	for i, r := range recs {
		rows[i] = positionRow(r)
	}

	_, err := s.queries.BulkInsertPositions(ctx, rows)
	if err == nil {
		return nil
	}
	slog.Warn("bulk insert failed, retrying row by row", "error", err, "count", len(rows))

	var errs []error
	for _, row := range rows {
		if err := s.queries.InsertPosition(ctx, row); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %d of %d rows: %v", ErrPersistence, len(errs), len(rows), errors.Join(errs...))
	}
	return nil
}

// History returns the agent's samples for the event ordered by capture time.
// Nil bounds are open.
func (s *PgStore) History(ctx context.Context, agentID, eventID string, from, to *time.Time) ([]PositionSample, error) {
	rows, err := s.queries.ListPositions(ctx, db.ListPositionsParams{
		UserID:  agentID,
		EventID: eventID,
		From:    timestamptz(from),
		To:      timestamptz(to),
	})
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	out := make([]PositionSample, len(rows))
	for i, row := range rows {
		out[i] = sampleFromRow(row)
	}
	return out, nil
}

func eventFromRow(row db.Event, d EventDefaults) Event {
	e := Event{
		ID:                     row.ID,
		Name:                   row.Name,
		Status:                 row.Status,
		RadiusMeters:           d.RadiusMeters,
		LateThreshold:          d.LateThreshold,
		EarlyCheckoutTolerance: d.EarlyCheckoutTolerance,
		LateCheckoutTolerance:  d.LateCheckoutTolerance,
	}
	if row.StartDate.Valid {
		e.Start = row.StartDate.Time.UTC()
	}
	if row.EndDate.Valid {
		e.End = row.EndDate.Time.UTC()
	}
	if row.Latitude.Valid && row.Longitude.Valid {
		e.Center = &geo.Point{Lat: row.Latitude.Float64, Lon: row.Longitude.Float64}
	}
	if row.GeoRadius.Valid && row.GeoRadius.Int32 > 0 {
		e.RadiusMeters = float64(row.GeoRadius.Int32)
	}
	if row.LateThreshold.Valid && row.LateThreshold.Int32 > 0 {
		e.LateThreshold = time.Duration(row.LateThreshold.Int32) * time.Minute
	}
	if row.EarlyCheckoutTolerance.Valid && row.EarlyCheckoutTolerance.Int32 > 0 {
		e.EarlyCheckoutTolerance = time.Duration(row.EarlyCheckoutTolerance.Int32) * time.Minute
	}
	if row.LateCheckoutTolerance.Valid && row.LateCheckoutTolerance.Int32 > 0 {
		e.LateCheckoutTolerance = time.Duration(row.LateCheckoutTolerance.Int32) * time.Minute
	}
	return e
}

func positionRow(r PositionRecord) db.GeoTracking {
	p := r.Sample
	return db.GeoTracking{
		UserID:       r.AgentID,
		EventID:      r.EventID,
		Latitude:     p.Latitude,
		Longitude:    p.Longitude,
		Accuracy:     pgtype.Float8{Float64: p.Accuracy, Valid: true},
		BatteryLevel: pgtype.Int4{Int32: int32(p.BatteryLevel), Valid: p.BatteryLevel >= 0},
		IsMoving:     p.IsMoving,
		RecordedAt:   pgtype.Timestamptz{Time: p.CapturedAt, Valid: true},
	}
}

func sampleFromRow(row db.GeoTracking) PositionSample {
	p := PositionSample{
		Latitude:     row.Latitude,
		Longitude:    row.Longitude,
		Accuracy:     row.Accuracy.Float64,
		BatteryLevel: UnknownBattery,
		IsMoving:     row.IsMoving,
		CapturedAt:   row.RecordedAt.Time.UTC(),
	}
	if row.BatteryLevel.Valid {
		p.BatteryLevel = int(row.BatteryLevel.Int32)
	}
	return p
}

func timestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

// EventCache memoizes an EventStore for ttl. Lookups that fail are not cached.
type EventCache struct {
	store EventStore
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedEvent
}

type cachedEvent struct {
	event   Event
	expires time.Time
}

func NewEventCache(store EventStore, ttl time.Duration, now func() time.Time) *EventCache {
	if now == nil {
		now = UTCClock
	}
	return &EventCache{
		store:   store,
		ttl:     ttl,
		now:     now,
		entries: make(map[string]cachedEvent),
	}
}

func (c *EventCache) GetEvent(ctx context.Context, id string) (Event, error) {
	if c.ttl <= 0 {
		return c.store.GetEvent(ctx, id)
	}

	now := c.now()
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if ok && now.Before(e.expires) {
		return e.event, nil
	}

	ev, err := c.store.GetEvent(ctx, id)
	if err != nil {
		return Event{}, err
	}

	c.mu.Lock()
	c.entries[id] = cachedEvent{event: ev, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return ev, nil
}
