package db

import (
	"github.com/jackc/pgx/v5/pgtype"
)

type Event struct {
	ID                     string
	Name                   string
	Status                 string
	StartDate              pgtype.Timestamptz
	EndDate                pgtype.Timestamptz
	Latitude               pgtype.Float8
	Longitude              pgtype.Float8
	GeoRadius              pgtype.Int4
	LateThreshold          pgtype.Int4
	EarlyCheckoutTolerance pgtype.Int4
	LateCheckoutTolerance  pgtype.Int4
}

type GeoTracking struct {
	UserID       string
	EventID      string
	Latitude     float64
	Longitude    float64
	Accuracy     pgtype.Float8
	BatteryLevel pgtype.Int4
	IsMoving     bool
	RecordedAt   pgtype.Timestamptz
}
