package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lai/fieldtrack/metrics"
	"github.com/lai/fieldtrack/window"
)

// Subscriber is one live connection bound to an event channel.
type Subscriber interface {
	ID() string
	AgentID() string
	Send(name string, payload any) error
	Close() error
}

// ConnectionRegistry lists the subscribers bound to an event.
type ConnectionRegistry interface {
	Subscribers(eventID string) []Subscriber
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Events       int // events found outside their tracking window
	Disconnected int
	Stopped      int
	Live         int // live records left after the pass
}

// Sweeper closes subscriber connections of events whose live-tracking window is shut,
// and stops sessions left running on events that have ended.
type Sweeper struct {
	events   EventLister
	conns    ConnectionRegistry
	registry *Registry
	now      func() time.Time
	metrics  *metrics.Tracking
}

func NewSweeper(events EventLister, conns ConnectionRegistry, reg *Registry, clock func() time.Time, m *metrics.Tracking) *Sweeper {
	if clock == nil {
		clock = UTCClock
	}
	return &Sweeper{
		events:   events,
		conns:    conns,
		registry: reg,
		now:      clock,
		metrics:  m,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				slog.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass over the open events. It is best-effort: a failing connection
// is logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	events, err := s.events.ListOpenEvents(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("sweep: %w", err)
	}

	now := s.now()
	schedules := make([]window.Schedule, len(events))
	for i, ev := range events {
		schedules[i] = ev.Schedule()
	}
	trackable := make(map[int]bool)
	for _, i := range window.ActiveSchedules(schedules, now) {
		trackable[i] = true
	}

	var res SweepResult
	for i, ev := range events {
		if trackable[i] {
			continue
		}
		st := window.Evaluate(schedules[i], now)
		res.Events++
		res.Disconnected += s.evict(ctx, ev, disableReason(ev, st, now), now)

		if st.Phase == window.PhaseAfter && s.registry != nil {
			for _, a := range s.registry.Snapshot(ev.ID) {
				if s.registry.StopEvent(ctx, a.AgentID, ev.ID, "event ended") {
					res.Stopped++
				}
			}
		}
	}

	if s.registry != nil {
		res.Live = s.registry.Len()
	}
	if res.Disconnected > 0 || res.Stopped > 0 {
		slog.Info("sweep done", "events", res.Events, "disconnected", res.Disconnected, "stopped", res.Stopped, "live", res.Live)
	} else {
		slog.Debug("sweep done, all connections within their windows", "events", len(events), "trackable", len(trackable), "live", res.Live)
	}
	return res, nil
}

func (s *Sweeper) evict(ctx context.Context, ev Event, reason string, now time.Time) int {
	if s.conns == nil {
		return 0
	}
	subs := s.conns.Subscribers(ev.ID)
	for _, sub := range subs {
		err := sub.Send(EventAutoDisabled, TrackingAutoDisabled{
			AgentID:   sub.AgentID(),
			EventID:   ev.ID,
			Reason:    reason,
			Timestamp: now,
		})
		if err != nil {
			slog.Warn("auto_disabled not delivered", "error", err, "subscriber", sub.ID(), "event_id", ev.ID)
		}
		if err := sub.Close(); err != nil {
			slog.Warn("close subscriber failed", "error", err, "subscriber", sub.ID(), "event_id", ev.ID)
		}
		slog.Info("subscriber disconnected", "subscriber", sub.ID(), "agent_id", sub.AgentID(), "event_id", ev.ID, "reason", reason)
	}
	if len(subs) > 0 {
		s.metrics.ConnectionsEvicted(ctx, ev.ID, len(subs))
	}
	return len(subs)
}

func disableReason(ev Event, st window.Status, now time.Time) string {
	switch {
	case !ev.Schedule().Valid():
		return "event schedule unavailable"
	case st.Phase == window.PhaseAfter:
		return "event ended"
	default:
		return fmt.Sprintf("live tracking opens in %s (at %s)",
			untilText(st.PreWindowStart.Sub(now)), st.PreWindowStart.Format("2006-01-02 15:04 UTC"))
	}
}

func untilText(d time.Duration) string {
	d = d.Round(time.Minute)
	h, m := int(d/time.Hour), int(d%time.Hour/time.Minute)
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh%02dm", h, m)
}
