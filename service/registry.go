package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lai/fieldtrack/geo"
	"github.com/lai/fieldtrack/metrics"
)

// RegistryConfig wires a Registry. Events is required; everything else may be nil.
type RegistryConfig struct {
	Events    EventStore
	Positions PositionWriter
	Fanout    *Fanout
	Alerts    AlertSink
	Throttler *Throttler
	Clock     func() time.Time
	Metrics   *metrics.Tracking
}

// Registry holds one live tracking record per agent.
//
// Mutations are serialized per agent through a slot mutex; unrelated agents never
// contend. Persistence and publishing are issued while the slot is held but both are
// non-blocking, so slow I/O cannot stall the agent's next sample.
type Registry struct {
	events    EventStore
	positions PositionWriter
	fanout    *Fanout
	alerts    AlertSink
	throttle  *Throttler
	now       func() time.Time
	metrics   *metrics.Tracking

	slots sync.Map // agentID -> *slot
}

type slot struct {
	mu    sync.Mutex
	state *AgentState
	dead  bool // removed from the map; holders must look the agent up again
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Throttler == nil {
		cfg.Throttler = NewThrottler(DefaultAlertCooldown, DefaultBatteryThresholds)
	}
	if cfg.Clock == nil {
		cfg.Clock = UTCClock
	}
	return &Registry{
		events:    cfg.Events,
		positions: cfg.Positions,
		fanout:    cfg.Fanout,
		alerts:    cfg.Alerts,
		throttle:  cfg.Throttler,
		now:       cfg.Clock,
		metrics:   cfg.Metrics,
	}
}

// acquire returns the agent's slot locked. With create false it returns nil when
// the agent has no slot.
func (r *Registry) acquire(agentID string, create bool) *slot {
	for {
		var v any
		if create {
			v, _ = r.slots.LoadOrStore(agentID, &slot{})
		} else {
			var ok bool
			if v, ok = r.slots.Load(agentID); !ok {
				return nil
			}
		}
		s := v.(*slot)
		s.mu.Lock()
		if !s.dead {
			return s
		}
		s.mu.Unlock()
	}
}

// release unlocks s, removing it from the map when it no longer holds a record.
func (r *Registry) release(agentID string, s *slot) {
	if s.state == nil {
		s.dead = true
		r.slots.CompareAndDelete(agentID, s)
	}
	s.mu.Unlock()
}

func (r *Registry) tracking(agentID string) bool {
	s := r.acquire(agentID, false)
	if s == nil {
		return false
	}
	defer r.release(agentID, s)
	return s.state != nil
}

// Start creates a live record for agentID on eventID and publishes the initial position.
// A second Start for a tracked agent returns ErrAlreadyTracking and changes nothing.
func (r *Registry) Start(ctx context.Context, agentID, eventID string, sample PositionSample) error {
	if r.tracking(agentID) {
		slog.Info("tracking already active", "agent_id", agentID, "event_id", eventID)
		return ErrAlreadyTracking
	}

	ev, err := r.events.GetEvent(ctx, eventID)
	if err != nil {
		slog.Error("start tracking failed", "error", err, "agent_id", agentID, "event_id", eventID)
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("start on %s: %w", eventID, err)
	}

	now := r.now()
	if now.After(ev.End) {
		slog.Warn("start refused, event ended", "agent_id", agentID, "event_id", eventID)
		return fmt.Errorf("start on %s: %w", eventID, ErrStaleEvent)
	}

	if sample.BatteryLevel < 0 {
		sample.BatteryLevel = 100
	}
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = now
	}

	s := r.acquire(agentID, true)
	defer r.release(agentID, s)
	if s.state != nil {
		return ErrAlreadyTracking
	}

	s.state = &AgentState{
		AgentID:          agentID,
		EventID:          eventID,
		Status:           StatusActive,
		LastPosition:     sample,
		LastBatteryLevel: sample.BatteryLevel,
		StartedAt:        now,
		event:            ev,
	}
	r.metrics.AgentStarted(ctx)
	r.persist(s.state, sample)
	r.fanout.Broadcast(ctx, eventID, EventPositionUpdate, positionUpdate(s.state, now))

	slog.Info("tracking started", "agent_id", agentID, "event_id", eventID)
	return nil
}

// UpdatePosition applies a sample to the agent's live record.
//
// An empty eventID matches any record. If the owning event has ended the session is
// stopped and the sample discarded with ErrStaleEvent.
func (r *Registry) UpdatePosition(ctx context.Context, agentID, eventID string, sample PositionSample) error {
	s := r.acquire(agentID, false)
	if s == nil {
		return r.notTracking(ctx, agentID, eventID)
	}
	defer r.release(agentID, s)

	st := s.state
	if st == nil || (eventID != "" && st.EventID != eventID) {
		return r.notTracking(ctx, agentID, eventID)
	}

	now := r.now()
	if now.After(st.event.End) {
		r.stopLocked(ctx, s, "event ended")
		r.metrics.SampleProcessed(ctx, "stale")
		return ErrStaleEvent
	}

	if sample.BatteryLevel < 0 {
		sample.BatteryLevel = st.LastBatteryLevel
	}
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = now
	}
	prevBattery := st.LastBatteryLevel

	r.persist(st, sample)
	st.LastPosition = sample
	st.LastBatteryLevel = sample.BatteryLevel

	r.checkGeofence(ctx, st, sample, now)
	r.checkBattery(ctx, st, prevBattery, sample.BatteryLevel, now)

	r.fanout.Broadcast(ctx, st.EventID, EventPositionUpdate, positionUpdate(st, now))
	r.metrics.SampleProcessed(ctx, "accepted")
	return nil
}

func (r *Registry) notTracking(ctx context.Context, agentID, eventID string) error {
	slog.Warn("sample for agent not tracking", "agent_id", agentID, "event_id", eventID)
	r.metrics.SampleProcessed(ctx, "not_tracking")
	return ErrNotTracking
}

// Stop completes the agent's live record and removes it, whatever event it belongs to.
// Stopping an agent that is not tracked is a no-op. The admin stop route calls it;
// check-out and the sweeper use StopEvent.
func (r *Registry) Stop(ctx context.Context, agentID string) error {
	s := r.acquire(agentID, false)
	if s == nil {
		return nil
	}
	defer r.release(agentID, s)
	if s.state != nil {
		r.stopLocked(ctx, s, "stopped")
	}
	return nil
}

// StopEvent stops agentID only while its record belongs to eventID and reports
// whether it did.
func (r *Registry) StopEvent(ctx context.Context, agentID, eventID, reason string) bool {
	s := r.acquire(agentID, false)
	if s == nil {
		return false
	}
	defer r.release(agentID, s)
	if s.state == nil || s.state.EventID != eventID {
		return false
	}
	r.stopLocked(ctx, s, reason)
	return true
}

func (r *Registry) stopLocked(ctx context.Context, s *slot, reason string) {
	st := s.state
	st.Status = StatusCompleted
	r.fanout.Broadcast(ctx, st.EventID, EventAgentStopped, AgentStopped{
		AgentID:   st.AgentID,
		Timestamp: r.now(),
	})
	s.state = nil
	r.metrics.AgentStopped(ctx)

	slog.Info("tracking stopped", "agent_id", st.AgentID, "event_id", st.EventID, "reason", reason)
}

// Snapshot returns the live records of eventID ordered by agent id.
func (r *Registry) Snapshot(eventID string) []AgentSnapshot {
	out := []AgentSnapshot{}
	r.slots.Range(func(_, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if st := s.state; st != nil && !s.dead && st.EventID == eventID {
			out = append(out, AgentSnapshot{
				AgentID:      st.AgentID,
				Status:       st.Status,
				BatteryLevel: st.LastBatteryLevel,
				LastPosition: st.LastPosition,
				StartedAt:    st.StartedAt,
			})
		}
		s.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	n := 0
	r.slots.Range(func(_, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if s.state != nil && !s.dead {
			n++
		}
		s.mu.Unlock()
		return true
	})
	return n
}

func (r *Registry) persist(st *AgentState, sample PositionSample) {
	if r.positions == nil {
		return
	}
	r.positions.Enqueue(PositionRecord{AgentID: st.AgentID, EventID: st.EventID, Sample: sample})
}

// checkGeofence applies the hysteresis rule: status and alerts change only when the
// agent crosses the boundary.
func (r *Registry) checkGeofence(ctx context.Context, st *AgentState, sample PositionSample, now time.Time) {
	center := st.event.Center
	if center == nil {
		return
	}
	radius := st.event.radius()
	inside := geo.Inside(sample.point(), *center, radius)

	switch {
	case !inside && st.Status == StatusActive:
		st.Status = StatusOutsideGeofence
		if !r.throttle.AllowExit(st.LastAlertAt, now) {
			slog.Debug("geofence exit alert throttled", "agent_id", st.AgentID)
			return
		}
		at := now
		st.LastAlertAt = &at

		d, rad := math.Round(geo.Distance(sample.point(), *center)), radius
		r.raise(ctx, st, AlertGeofenceExit, EventGeofenceAlert, GeofenceAlert{
			Kind:           GeofenceExit,
			AgentID:        st.AgentID,
			EventID:        st.EventID,
			DistanceMeters: &d,
			RadiusMeters:   &rad,
			Timestamp:      now,
			Message: fmt.Sprintf("agent %s left the perimeter of event %q (%.0fm from center, limit %.0fm)",
				st.AgentID, st.event.displayName(), d, rad),
		}, now)

	case inside && st.Status == StatusOutsideGeofence:
		st.Status = StatusActive
		r.raise(ctx, st, AlertGeofenceReturn, EventGeofenceAlert, GeofenceAlert{
			Kind:      GeofenceReturn,
			AgentID:   st.AgentID,
			EventID:   st.EventID,
			Timestamp: now,
			Message:   fmt.Sprintf("agent %s is back inside the perimeter of event %q", st.AgentID, st.event.displayName()),
		}, now)
	}
}

func (r *Registry) checkBattery(ctx context.Context, st *AgentState, prev, cur int, now time.Time) {
	if _, crossed := r.throttle.BatteryCrossed(prev, cur); !crossed {
		return
	}
	r.raise(ctx, st, AlertLowBattery, EventBatteryAlert, BatteryAlert{
		AgentID:      st.AgentID,
		EventID:      st.EventID,
		BatteryLevel: cur,
		Timestamp:    now,
		Message:      fmt.Sprintf("low battery for agent %s: %d%%", st.AgentID, cur),
	}, now)
}

func (r *Registry) raise(ctx context.Context, st *AgentState, typ AlertType, name string, payload any, now time.Time) {
	r.fanout.Broadcast(ctx, st.EventID, name, payload)
	r.metrics.AlertRaised(ctx, string(typ))
	slog.Info("alert raised", "type", typ, "agent_id", st.AgentID, "event_id", st.EventID)

	if r.alerts == nil {
		return
	}
	a := Alert{
		ID:        uuid.NewString(),
		Type:      typ,
		AgentID:   st.AgentID,
		EventID:   st.EventID,
		Payload:   payload,
		Timestamp: now,
	}
	if err := r.alerts.RecordAlert(ctx, a); err != nil {
		slog.Warn("record alert failed", "error", err, "alert_id", a.ID, "type", typ)
	}
}

func positionUpdate(st *AgentState, now time.Time) PositionUpdate {
	p := st.LastPosition
	return PositionUpdate{
		AgentID:      st.AgentID,
		EventID:      st.EventID,
		Latitude:     p.Latitude,
		Longitude:    p.Longitude,
		Accuracy:     p.Accuracy,
		BatteryLevel: p.BatteryLevel,
		IsMoving:     p.IsMoving,
		Status:       st.Status,
		Timestamp:    now,
	}
}
