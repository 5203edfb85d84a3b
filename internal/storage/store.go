package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"airelay/internal/models"
)

// ErrPersistence matches every failure to write or read the interaction log.
var ErrPersistence = errors.New("persistence failure")

// PersistenceError carries the failed operation and its cause.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func persistenceErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// ListFilter narrows List. The zero value lists every record.
type ListFilter struct {
	Kind  models.Kind
	Limit int
}

// Store is the append-only interaction log.
type Store interface {
	// Append assigns the id and timestamp and returns the stored record.
	Append(ctx context.Context, rec models.InteractionRecord) (*models.InteractionRecord, error)
	// List yields records most recent first. Each range re-runs the query.
	List(ctx context.Context, filter ListFilter) iter.Seq2[*models.InteractionRecord, error]
	Close() error
}

// validateRecord enforces the NOT NULL columns before touching the database.
func validateRecord(rec models.InteractionRecord) error {
	switch {
	case rec.Kind != models.KindText && rec.Kind != models.KindImage:
		return persistenceErr("validate interaction", fmt.Errorf("invalid kind %q", rec.Kind))
	case strings.TrimSpace(rec.SubmittedBy) == "":
		return persistenceErr("validate interaction", errors.New("submitted_by is required"))
	case rec.Input == "":
		return persistenceErr("validate interaction", errors.New("input is required"))
	case rec.Result == "":
		return persistenceErr("validate interaction", errors.New("result is required"))
	case rec.Status != models.StatusOK && rec.Status != models.StatusFailed:
		return persistenceErr("validate interaction", fmt.Errorf("invalid status %q", rec.Status))
	}
	return nil
}

// SQLStore implements Store on database/sql (sqlite or mysql).
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an opened and migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Append stores one record.
func (s *SQLStore) Append(ctx context.Context, rec models.InteractionRecord) (*models.InteractionRecord, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO interaction_log (kind, submitted_by, input, result, status, model, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Kind, rec.SubmittedBy, rec.Input, rec.Result, rec.Status, rec.Model, now,
	)
	if err != nil {
		return nil, persistenceErr("insert interaction", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, persistenceErr("interaction id", err)
	}
	rec.ID = id
	rec.CreatedAt = now
	return &rec, nil
}

// List streams records from a cursor.
func (s *SQLStore) List(ctx context.Context, filter ListFilter) iter.Seq2[*models.InteractionRecord, error] {
	return func(yield func(*models.InteractionRecord, error) bool) {
		query := `SELECT id, kind, submitted_by, input, result, status, model, created_at FROM interaction_log`
		var args []any
		if filter.Kind != "" {
			query += ` WHERE kind = ?`
			args = append(args, filter.Kind)
		}
		query += ` ORDER BY created_at DESC, id DESC`
		if filter.Limit > 0 {
			query += ` LIMIT ?`
			args = append(args, filter.Limit)
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, persistenceErr("list interactions", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec := new(models.InteractionRecord)
			if err := rows.Scan(&rec.ID, &rec.Kind, &rec.SubmittedBy, &rec.Input, &rec.Result, &rec.Status, &rec.Model, &rec.CreatedAt); err != nil {
				yield(nil, persistenceErr("scan interaction", err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, persistenceErr("list interactions", err))
		}
	}
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Collect drains a List sequence into a slice.
func Collect(seq iter.Seq2[*models.InteractionRecord, error]) ([]*models.InteractionRecord, error) {
	var out []*models.InteractionRecord
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
