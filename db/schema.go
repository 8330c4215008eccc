package db

import (
	"context"
	_ "embed"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (q *Queries) EnsureSchema(ctx context.Context) error {
	_, err := q.db.Exec(ctx, schemaSQL)
	return err
}
