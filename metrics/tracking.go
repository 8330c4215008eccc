package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope of every fieldtrack instrument.
const ScopeName = "fieldtrack"

// Tracking collects live-tracking instruments. A nil *Tracking is valid and records nothing.
type Tracking struct {
	samplesCounter    metric.Int64Counter
	alertsCounter     metric.Int64Counter
	activeAgentsGauge metric.Int64UpDownCounter
	evictionsCounter  metric.Int64Counter
	persistedCounter  metric.Int64Counter
}

// NewTracking creates the instruments on the global meter provider.
func NewTracking() (*Tracking, error) {
	return NewTrackingWith(otel.GetMeterProvider())
}

// NewTrackingWith creates the instruments on mp.
func NewTrackingWith(mp metric.MeterProvider) (*Tracking, error) {
	meter := mp.Meter(ScopeName)

	samplesCounter, err := meter.Int64Counter(
		"fieldtrack.samples",
		metric.WithDescription("Position samples received, by outcome"),
		metric.WithUnit("{sample}"),
	)
	if err != nil {
		return nil, err
	}

	alertsCounter, err := meter.Int64Counter(
		"fieldtrack.alerts",
		metric.WithDescription("Alerts raised, by type"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, err
	}

	activeAgentsGauge, err := meter.Int64UpDownCounter(
		"fieldtrack.agents.active",
		metric.WithDescription("Agents with a live tracking record"),
		metric.WithUnit("{agent}"),
	)
	if err != nil {
		return nil, err
	}

	evictionsCounter, err := meter.Int64Counter(
		"fieldtrack.connections.evicted",
		metric.WithDescription("Subscriber connections closed by the sweeper"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	persistedCounter, err := meter.Int64Counter(
		"fieldtrack.positions.persisted",
		metric.WithDescription("Position rows handed to the durable store, by result"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}

	return &Tracking{
		samplesCounter:    samplesCounter,
		alertsCounter:     alertsCounter,
		activeAgentsGauge: activeAgentsGauge,
		evictionsCounter:  evictionsCounter,
		persistedCounter:  persistedCounter,
	}, nil
}

// SampleProcessed records one sample with its outcome (accepted, rejected, stale, ...).
func (t *Tracking) SampleProcessed(ctx context.Context, outcome string) {
	if t == nil {
		return
	}
	t.samplesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// AlertRaised records one alert of the given type.
func (t *Tracking) AlertRaised(ctx context.Context, alertType string) {
	if t == nil {
		return
	}
	t.alertsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", alertType)))
}

func (t *Tracking) AgentStarted(ctx context.Context) {
	if t == nil {
		return
	}
	t.activeAgentsGauge.Add(ctx, 1)
}

func (t *Tracking) AgentStopped(ctx context.Context) {
	if t == nil {
		return
	}
	t.activeAgentsGauge.Add(ctx, -1)
}

// ConnectionsEvicted records n connections closed for the given event.
func (t *Tracking) ConnectionsEvicted(ctx context.Context, eventID string, n int) {
	if t == nil || n == 0 {
		return
	}
	t.evictionsCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("event.id", eventID)))
}

// PositionsPersisted records n rows written, or failed when err is non-nil.
func (t *Tracking) PositionsPersisted(ctx context.Context, n int, err error) {
	if t == nil || n == 0 {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	t.persistedCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("result", result)))
}
