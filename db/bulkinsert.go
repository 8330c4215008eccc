package db

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// COPY is all-or-nothing: a duplicate (user_id, event_id, recorded_at) fails the whole
// batch, so callers fall back to InsertPosition row by row.
func (q *Queries) BulkInsertPositions(ctx context.Context, points []GeoTracking) (int64, error) {
	return q.db.CopyFrom(
		ctx,
		pgx.Identifier{"geo_tracking"},
		[]string{"user_id", "event_id", "latitude", "longitude", "accuracy", "battery_level", "is_moving", "recorded_at"},
		pgx.CopyFromSlice(len(points), func(i int) ([]any, error) {
			p := points[i]
			return []any{p.UserID, p.EventID, p.Latitude, p.Longitude, p.Accuracy, p.BatteryLevel, p.IsMoving, p.RecordedAt}, nil
		}),
	)
}
