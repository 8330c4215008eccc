package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const insertPosition = `-- name: InsertPosition :exec
INSERT INTO geo_tracking (user_id, event_id, latitude, longitude, accuracy, battery_level, is_moving, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (user_id, event_id, recorded_at) DO NOTHING
`

func (q *Queries) InsertPosition(ctx context.Context, arg GeoTracking) error {
	_, err := q.db.Exec(ctx, insertPosition,
		arg.UserID,
		arg.EventID,
		arg.Latitude,
		arg.Longitude,
		arg.Accuracy,
		arg.BatteryLevel,
		arg.IsMoving,
		arg.RecordedAt,
	)
	return err
}

const listPositions = `-- name: ListPositions :many
SELECT user_id, event_id, latitude, longitude, accuracy, battery_level, is_moving, recorded_at
FROM geo_tracking
WHERE user_id = $1
  AND event_id = $2
  AND ($3::timestamptz IS NULL OR recorded_at >= $3)
  AND ($4::timestamptz IS NULL OR recorded_at <= $4)
ORDER BY recorded_at ASC
`

type ListPositionsParams struct {
	UserID  string
	EventID string
	From    pgtype.Timestamptz
	To      pgtype.Timestamptz
}

func (q *Queries) ListPositions(ctx context.Context, arg ListPositionsParams) ([]GeoTracking, error) {
	rows, err := q.db.Query(ctx, listPositions,
		arg.UserID,
		arg.EventID,
		arg.From,
		arg.To,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []GeoTracking
	for rows.Next() {
		var i GeoTracking
		if err := rows.Scan(
			&i.UserID,
			&i.EventID,
			&i.Latitude,
			&i.Longitude,
			&i.Accuracy,
			&i.BatteryLevel,
			&i.IsMoving,
			&i.RecordedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
