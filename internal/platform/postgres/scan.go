package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/store"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// withLockedTx runs fn inside a transaction. Stores already bound to a
// transaction (sqlDB == nil) reuse it, so row locks taken by fn last until
// the caller commits.
func withLockedTx(ctx context.Context, sqlDB *sql.DB, db store.DBTX, fn func(q store.DBTX) error) error {
	if sqlDB == nil {
		return fn(db)
	}
	return store.RunInTransaction(ctx, sqlDB, func(_ context.Context, tx *sql.Tx) error {
		return fn(tx)
	})
}

// dbNow is the current time at the column precision of timestamptz, so a
// record returned after a write equals the stored row.
func dbNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	v := id.UUID
	return &v
}

// jsonArg passes raw JSON as text, or NULL when empty.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(b []byte) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

// uuidArray renders ids for a `$n::text[]::uuid[]` parameter.
func uuidArray(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
