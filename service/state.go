package service

import (
	"time"

	"github.com/lai/fieldtrack/geo"
	"github.com/lai/fieldtrack/window"
)

// UnknownBattery marks a sample that carried no battery reading.
// The registry carries the previous level forward for such samples.
const UnknownBattery = -1

// DefaultRadiusMeters is the geofence radius for events that set none.
const DefaultRadiusMeters = 100.0

// Event is the tracking view of a scheduled event, owned by the external event store.
type Event struct {
	ID     string
	Name   string
	Status string

	Start time.Time
	End   time.Time

	// Center is nil when the event has no coordinates; geofencing is then skipped.
	Center       *geo.Point
	RadiusMeters float64

	LateThreshold          time.Duration
	EarlyCheckoutTolerance time.Duration
	LateCheckoutTolerance  time.Duration
}

// Schedule returns the part of e the time windows are computed from.
func (e Event) Schedule() window.Schedule {
	return window.Schedule{
		Start:                  e.Start,
		End:                    e.End,
		LateThreshold:          e.LateThreshold,
		EarlyCheckoutTolerance: e.EarlyCheckoutTolerance,
		LateCheckoutTolerance:  e.LateCheckoutTolerance,
	}
}

func (e Event) radius() float64 {
	if e.RadiusMeters > 0 {
		return e.RadiusMeters
	}
	return DefaultRadiusMeters
}

func (e Event) displayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.ID
}

// PositionSample is a single GPS measurement from an agent's device.
type PositionSample struct {
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     float64   `json:"accuracy"`
	BatteryLevel int       `json:"batteryLevel"`
	IsMoving     bool      `json:"isMoving"`
	CapturedAt   time.Time `json:"capturedAt"`
}

func (p PositionSample) point() geo.Point {
	return geo.Point{Lat: p.Latitude, Lon: p.Longitude}
}

// Status is the lifecycle state of a live tracking record.
type Status string

const (
	StatusActive          Status = "active"
	StatusOutsideGeofence Status = "outside_geofence"
	StatusCompleted       Status = "completed"
)

// AgentState is the live record of one tracked agent.
type AgentState struct {
	AgentID          string
	EventID          string
	Status           Status
	LastPosition     PositionSample
	LastBatteryLevel int
	LastAlertAt      *time.Time
	StartedAt        time.Time

	// captured once at start so the per-sample path never consults the event store
	event Event
}

// AgentSnapshot is the read-only view returned by Registry.Snapshot.
type AgentSnapshot struct {
	AgentID      string         `json:"agentId"`
	Status       Status         `json:"status"`
	BatteryLevel int            `json:"batteryLevel"`
	LastPosition PositionSample `json:"lastPosition"`
	StartedAt    time.Time      `json:"startedAt"`
}

// AlertType classifies alerts handed to the notification store.
type AlertType string

const (
	AlertGeofenceExit   AlertType = "geofence_exit"
	AlertGeofenceReturn AlertType = "geofence_return"
	AlertLowBattery     AlertType = "low_battery"
)

// Alert is transient: it is published and recorded, never kept in AgentState.
type Alert struct {
	ID        string    `json:"id"`
	Type      AlertType `json:"type"`
	AgentID   string    `json:"agentId"`
	EventID   string    `json:"eventId"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Published payloads. Field names are part of the subscriber contract.

type PositionUpdate struct {
	AgentID      string    `json:"agentId"`
	EventID      string    `json:"eventId"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     float64   `json:"accuracy"`
	BatteryLevel int       `json:"batteryLevel"`
	IsMoving     bool      `json:"isMoving"`
	Status       Status    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
}

type AgentStopped struct {
	AgentID   string    `json:"agentId"`
	Timestamp time.Time `json:"timestamp"`
}

type GeofenceKind string

const (
	GeofenceExit   GeofenceKind = "exit"
	GeofenceReturn GeofenceKind = "return"
)

type GeofenceAlert struct {
	Kind           GeofenceKind `json:"kind"`
	AgentID        string       `json:"agentId"`
	EventID        string       `json:"eventId"`
	DistanceMeters *float64     `json:"distanceMeters,omitempty"`
	RadiusMeters   *float64     `json:"radiusMeters,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
	Message        string       `json:"message"`
}

type BatteryAlert struct {
	AgentID      string    `json:"agentId"`
	EventID      string    `json:"eventId"`
	BatteryLevel int       `json:"batteryLevel"`
	Timestamp    time.Time `json:"timestamp"`
	Message      string    `json:"message"`
}

type TrackingAutoDisabled struct {
	AgentID   string    `json:"agentId"`
	EventID   string    `json:"eventId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// UTCClock is the single time source shared by ingest, registry and sweeper.
func UTCClock() time.Time {
	return time.Now().UTC()
}
