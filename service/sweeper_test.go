package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lai/fieldtrack/window"
)

// mockSubscriber implements Subscriber for testing.
type mockSubscriber struct {
	id, agent string

	mu     sync.Mutex
	sent   []published
	closed bool
}

func (m *mockSubscriber) ID() string      { return m.id }
func (m *mockSubscriber) AgentID() string { return m.agent }

func (m *mockSubscriber) Send(name string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("closed")
	}
	m.sent = append(m.sent, published{name: name, payload: payload})
	return nil
}

func (m *mockSubscriber) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// mockConns implements ConnectionRegistry for testing.
type mockConns map[string][]Subscriber

func (m mockConns) Subscribers(eventID string) []Subscriber { return m[eventID] }

func TestSweep(t *testing.T) {
	tomorrow := testEvent("evt-later")
	tomorrow.Start = testStart.Add(24 * time.Hour)
	tomorrow.End = testEnd.Add(24 * time.Hour)

	finished := testEvent("evt-done")
	finished.Start = testStart.Add(-24 * time.Hour)
	finished.End = testEnd.Add(-24 * time.Hour)

	cancelled := testEvent("evt-cancelled")
	cancelled.Status = "cancelled"
	cancelled.End = finished.End

	f := newRegistryFixture(t, testEvent("evt-1"), tomorrow, finished, cancelled)
	ctx := context.Background()

	// a session left on the finished event from before it ended
	f.clock.Set(finished.Start)
	if err := f.reg.Start(ctx, "stale-agent", "evt-done", sampleAt(0, 50)); err != nil {
		t.Fatal(err)
	}
	f.clock.Set(testStart.Add(time.Hour))
	if err := f.reg.Start(ctx, "live-agent", "evt-1", sampleAt(0, 50)); err != nil {
		t.Fatal(err)
	}

	live := &mockSubscriber{id: "s1", agent: "live-agent"}
	early := &mockSubscriber{id: "s2", agent: "early-agent"}
	late := &mockSubscriber{id: "s3", agent: "stale-agent"}
	ghost := &mockSubscriber{id: "s4", agent: "x"}
	conns := mockConns{
		"evt-1":         {live},
		"evt-later":     {early},
		"evt-done":      {late},
		"evt-cancelled": {ghost},
	}

	sw := NewSweeper(f.events, conns, f.reg, f.clock.Now, nil)
	res, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if res.Events != 2 || res.Disconnected != 2 || res.Stopped != 1 || res.Live != 1 {
		t.Errorf("result = %+v, want 2 events, 2 disconnected, 1 stopped, 1 live", res)
	}
	if live.closed || ghost.closed {
		t.Error("in-window or cancelled event subscriber was closed")
	}
	if !early.closed || !late.closed {
		t.Error("out-of-window subscriber left open")
	}

	if len(early.sent) != 1 || early.sent[0].name != EventAutoDisabled {
		t.Fatalf("early subscriber got %+v", early.sent)
	}
	p := early.sent[0].payload.(TrackingAutoDisabled)
	if p.AgentID != "early-agent" || p.EventID != "evt-later" {
		t.Errorf("payload = %+v", p)
	}
	if want := "live tracking opens in 21h00m (at 2026-03-15 07:00 UTC)"; p.Reason != want {
		t.Errorf("reason = %q, want %q", p.Reason, want)
	}
	if r := late.sent[0].payload.(TrackingAutoDisabled).Reason; r != "event ended" {
		t.Errorf("reason = %q, want event ended", r)
	}

	if f.reg.Len() != 1 || len(f.reg.Snapshot("evt-1")) != 1 {
		t.Errorf("live sessions after sweep: %d", f.reg.Len())
	}
}

func TestSweep_ListFails(t *testing.T) {
	f := newRegistryFixture(t)
	f.events.err = errors.New("db down")

	if _, err := NewSweeper(f.events, mockConns{}, f.reg, f.clock.Now, nil).Sweep(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestDisableReason(t *testing.T) {
	now := testStart.Add(-2*time.Hour - 90*time.Minute)
	ev := testEvent("e")

	tests := []struct {
		name string
		ev   Event
		now  time.Time
		want string
	}{
		{"before window", ev, now, "live tracking opens in 1h30m (at 2026-03-14 07:00 UTC)"},
		{"minutes only", ev, testStart.Add(-2*time.Hour - 5*time.Minute), "live tracking opens in 5m (at 2026-03-14 07:00 UTC)"},
		{"after", ev, testEnd.Add(time.Second), "event ended"},
		{"no schedule", Event{ID: "e"}, now, "event schedule unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := tt.ev.Schedule()
			got := disableReason(tt.ev, window.Evaluate(st, tt.now), tt.now)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
