package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lai/fieldtrack/metrics"
	"github.com/lai/fieldtrack/window"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("fieldtrack/service")

func startSpan(ctx context.Context, name, agentID, eventID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("event_id", eventID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Request is one position report as received from a device. Optional fields are pointers
// so that absent and zero can be told apart.
type Request struct {
	AgentID      string     `json:"agentId" validate:"required"`
	EventID      string     `json:"eventId" validate:"required"`
	Latitude     *float64   `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude    *float64   `json:"longitude" validate:"required,gte=-180,lte=180"`
	Accuracy     *float64   `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
	BatteryLevel *int       `json:"batteryLevel,omitempty" validate:"omitempty,gte=0,lte=100"`
	IsMoving     *bool      `json:"isMoving,omitempty"`
	CapturedAt   *time.Time `json:"capturedAt,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Valid returns an error wrapping ErrInvalidSample describing every bad field.
func (r Request) Valid() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		if fe.Param() != "" {
			msgs[i] = fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param())
		} else {
			msgs[i] = fmt.Sprintf("%s is %s", fe.Field(), fe.Tag())
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidSample, strings.Join(msgs, "; "))
}

// sample fills the defaults of the optional fields. Battery stays UnknownBattery when
// absent so the registry can carry the previous reading forward.
func (r Request) sample(now time.Time) PositionSample {
	s := PositionSample{
		Latitude:     *r.Latitude,
		Longitude:    *r.Longitude,
		BatteryLevel: UnknownBattery,
		CapturedAt:   now,
	}
	if r.Accuracy != nil {
		s.Accuracy = *r.Accuracy
	}
	if r.BatteryLevel != nil {
		s.BatteryLevel = *r.BatteryLevel
	}
	if r.IsMoving != nil {
		s.IsMoving = *r.IsMoving
	}
	if r.CapturedAt != nil && !r.CapturedAt.IsZero() {
		s.CapturedAt = r.CapturedAt.UTC()
	}
	return s
}

type historyReader interface {
	History(ctx context.Context, agentID, eventID string, from, to *time.Time) ([]PositionSample, error)
}

// Ingester is the single entry point for device traffic. It validates input and
// applies the time windows before anything reaches the registry.
type Ingester struct {
	registry *Registry
	events   EventStore
	history  historyReader
	now      func() time.Time
	metrics  *metrics.Tracking
}

func NewIngester(reg *Registry, events EventStore, history historyReader, clock func() time.Time, m *metrics.Tracking) *Ingester {
	if clock == nil {
		clock = UTCClock
	}
	return &Ingester{
		registry: reg,
		events:   events,
		history:  history,
		now:      clock,
		metrics:  m,
	}
}

// Ingest admits one position sample.
//
// Samples outside the live-tracking window fail with ErrOutsideWindow. Past the end of
// the event the error also wraps ErrStaleEvent and the agent's session on that event
// is stopped.
func (in *Ingester) Ingest(ctx context.Context, req Request) (err error) {
	ctx, span := startSpan(ctx, "ingest.position", req.AgentID, req.EventID)
	defer func() { endSpan(span, err) }()

	if err := req.Valid(); err != nil {
		in.metrics.SampleProcessed(ctx, "invalid")
		return err
	}

	ev, err := in.event(ctx, req.EventID)
	if err != nil {
		in.metrics.SampleProcessed(ctx, "unknown_event")
		return err
	}

	now := in.now()
	st := window.Evaluate(ev.Schedule(), now)
	if !st.CanTrackGPS {
		if st.Phase == window.PhaseAfter {
			in.registry.StopEvent(ctx, req.AgentID, req.EventID, "event ended")
			in.metrics.SampleProcessed(ctx, "stale")
			return fmt.Errorf("%w: %w: event %s", ErrOutsideWindow, ErrStaleEvent, req.EventID)
		}
		in.metrics.SampleProcessed(ctx, "outside_window")
		slog.Debug("sample outside tracking window", "agent_id", req.AgentID, "event_id", req.EventID, "phase", st.Phase)
		return fmt.Errorf("%w: event %s is %s", ErrOutsideWindow, req.EventID, st.Phase)
	}

	return in.registry.UpdatePosition(ctx, req.AgentID, req.EventID, req.sample(now))
}

// CheckIn starts live tracking for the agent while the event's check-in window is open.
// Checking in twice returns ErrAlreadyTracking.
func (in *Ingester) CheckIn(ctx context.Context, req Request) (err error) {
	ctx, span := startSpan(ctx, "ingest.checkin", req.AgentID, req.EventID)
	defer func() { endSpan(span, err) }()

	if err := req.Valid(); err != nil {
		return err
	}
	ev, err := in.event(ctx, req.EventID)
	if err != nil {
		return err
	}

	now := in.now()
	if st := window.Evaluate(ev.Schedule(), now); !st.CanCheckIn {
		slog.Warn("check-in refused", "agent_id", req.AgentID, "event_id", req.EventID, "phase", st.Phase)
		return fmt.Errorf("%w: check-in for event %s is closed (%s)", ErrOutsideWindow, req.EventID, st.Phase)
	}

	return in.registry.Start(ctx, req.AgentID, req.EventID, req.sample(now))
}

// CheckOut stops the agent's session on eventID while the check-out window is open.
// It succeeds when there was nothing to stop.
func (in *Ingester) CheckOut(ctx context.Context, agentID, eventID string) (err error) {
	ctx, span := startSpan(ctx, "ingest.checkout", agentID, eventID)
	defer func() { endSpan(span, err) }()

	if agentID == "" || eventID == "" {
		return fmt.Errorf("%w: agentId and eventId are required", ErrInvalidSample)
	}
	ev, err := in.event(ctx, eventID)
	if err != nil {
		return err
	}

	if st := window.Evaluate(ev.Schedule(), in.now()); !st.CanCheckOut {
		slog.Warn("check-out refused", "agent_id", agentID, "event_id", eventID, "phase", st.Phase)
		return fmt.Errorf("%w: check-out for event %s is closed (%s)", ErrOutsideWindow, eventID, st.Phase)
	}

	in.registry.StopEvent(ctx, agentID, eventID, "checked out")
	return nil
}

// History returns the stored samples of agentID on eventID ordered by capture time.
// Nil bounds are open.
func (in *Ingester) History(ctx context.Context, agentID, eventID string, from, to *time.Time) ([]PositionSample, error) {
	if from != nil && to != nil && from.After(*to) {
		return nil, fmt.Errorf("%w: start %s is after end %s", ErrInvalidSample,
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	if in.history == nil {
		return []PositionSample{}, nil
	}
	samples, err := in.history.History(ctx, agentID, eventID, from, to)
	if err != nil {
		return nil, fmt.Errorf("history %s/%s: %w", agentID, eventID, err)
	}
	return samples, nil
}

// WindowStatus evaluates the event's windows now.
func (in *Ingester) WindowStatus(ctx context.Context, eventID string) (window.Status, error) {
	ev, err := in.event(ctx, eventID)
	if err != nil {
		return window.Status{}, err
	}
	return window.Evaluate(ev.Schedule(), in.now()), nil
}

// StopAgent ends whatever session agentID has, regardless of the event's windows.
// It backs the administrative stop; devices go through CheckOut.
func (in *Ingester) StopAgent(ctx context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("%w: agentId is required", ErrInvalidSample)
	}
	return in.registry.Stop(ctx, agentID)
}

// Snapshot returns the live records of eventID.
func (in *Ingester) Snapshot(eventID string) []AgentSnapshot {
	return in.registry.Snapshot(eventID)
}

func (in *Ingester) event(ctx context.Context, id string) (Event, error) {
	ev, err := in.events.GetEvent(ctx, id)
	if err == nil {
		return ev, nil
	}
	if errors.Is(err, ErrNotFound) {
		return Event{}, err
	}
	slog.Error("event lookup failed", "error", err, "event_id", id)
	return Event{}, fmt.Errorf("event %s: %w", id, err)
}
