package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"boxoffice/internal/apperr"
	"boxoffice/internal/db"
	"boxoffice/internal/events"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
	Events  events.Writer
	Now     func() time.Time
}

// ErrNotFound is returned by lookups that match no row. It carries the
// NotFound taxonomy type so callers may use either errors.Is or apperr.Is.
var ErrNotFound error = &apperr.Error{Type: apperr.NotFound, Message: "not found"}

func New(conn *sql.DB, dialect db.Dialect, now func() time.Time) Repo {
	if now == nil {
		now = time.Now
	}
	return Repo{DB: conn, Dialect: dialect, Events: events.Writer{Now: now}, Now: now}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// withTx runs fn in a SQL transaction and commits when fn returns nil.
func (r Repo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return db.FormatTime(*t)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := db.ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// marshalJSON encodes v for a JSON column; nil pointers are stored as NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return nil, nil
		}
		return string(raw), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

func unmarshalJSON(v sql.NullString, out any) error {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(v.String), out)
}
