package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Channel and event names seen by subscribers.
const (
	GlobalChannel = "tracking:admin"

	EventPositionUpdate = "tracking:position_update"
	EventAgentStopped   = "tracking:agent_stopped"
	EventGeofenceAlert  = "tracking:geofence_alert"
	EventBatteryAlert   = "tracking:battery_alert"
	EventAutoDisabled   = "tracking:auto_disabled"
)

// EventChannel is the channel scoped to a single event.
func EventChannel(eventID string) string {
	return "event:" + eventID
}

// Publisher is a transport able to deliver a named payload on a channel.
// Implementations must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, channel, name string, payload any) error
}

// MultiPublisher publishes to every transport and joins their errors.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, channel, name string, payload any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, channel, name, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fanout republishes registry emissions on the owning event's channel and on the
// global channel. It keeps no state; a failing transport is logged and ignored.
type Fanout struct {
	pub Publisher
}

// NewFanout returns a fanout over p. A nil p discards everything.
func NewFanout(p Publisher) *Fanout {
	return &Fanout{pub: p}
}

// Broadcast publishes name/payload for eventID on both channels.
func (f *Fanout) Broadcast(ctx context.Context, eventID, name string, payload any) {
	if f == nil || f.pub == nil {
		return
	}
	for _, ch := range [2]string{EventChannel(eventID), GlobalChannel} {
		if err := f.pub.Publish(ctx, ch, name, payload); err != nil {
			slog.Warn("publish failed",
				"error", fmt.Errorf("%w: %v", ErrTransportUnavailable, err),
				"channel", ch,
				"event", name,
				"event_id", eventID,
			)
		}
	}
}
