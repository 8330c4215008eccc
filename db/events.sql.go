package db

import (
	"context"
)

const getEvent = `-- name: GetEvent :one
SELECT id, name, status, start_date, end_date, latitude, longitude,
       geo_radius, late_threshold, early_checkout_tolerance, late_checkout_tolerance
FROM events
WHERE id = $1
`

func (q *Queries) GetEvent(ctx context.Context, id string) (Event, error) {
	row := q.db.QueryRow(ctx, getEvent, id)
	var i Event
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.Status,
		&i.StartDate,
		&i.EndDate,
		&i.Latitude,
		&i.Longitude,
		&i.GeoRadius,
		&i.LateThreshold,
		&i.EarlyCheckoutTolerance,
		&i.LateCheckoutTolerance,
	)
	return i, err
}

const listOpenEvents = `-- name: ListOpenEvents :many
SELECT id, name, status, start_date, end_date, latitude, longitude,
       geo_radius, late_threshold, early_checkout_tolerance, late_checkout_tolerance
FROM events
WHERE status NOT IN ('cancelled', 'terminated')
ORDER BY start_date
`

func (q *Queries) ListOpenEvents(ctx context.Context) ([]Event, error) {
	rows, err := q.db.Query(ctx, listOpenEvents)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Event
	for rows.Next() {
		var i Event
		if err := rows.Scan(
			&i.ID,
			&i.Name,
			&i.Status,
			&i.StartDate,
			&i.EndDate,
			&i.Latitude,
			&i.Longitude,
			&i.GeoRadius,
			&i.LateThreshold,
			&i.EarlyCheckoutTolerance,
			&i.LateCheckoutTolerance,
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
