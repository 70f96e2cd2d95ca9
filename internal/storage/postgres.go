package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/Oafish1/cellTRIP/internal/tensor"
)

// ErrConflict indicates the run already archived these steps.
var ErrConflict = errors.New("conflict")

const schema = `
	CREATE TABLE IF NOT EXISTS experience (
		run_id          TEXT NOT NULL,
		step            INTEGER NOT NULL,
		entity_key      TEXT NOT NULL,
		reward          REAL NOT NULL,
		is_terminal     BOOLEAN NOT NULL,
		state           DOUBLE PRECISION[],
		action          DOUBLE PRECISION[],
		action_log_prob DOUBLE PRECISION[],
		state_value     DOUBLE PRECISION[],
		PRIMARY KEY (run_id, step)
	)`

// PostgresArchive implements Archive backed by PostgreSQL
type PostgresArchive struct {
	db *sql.DB
}

// OpenPostgresArchive connects using dsn and ensures the schema exists
func OpenPostgresArchive(ctx context.Context, dsn string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	archive := NewPostgresArchive(db)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return archive, nil
}

// NewPostgresArchive wraps an existing connection pool
func NewPostgresArchive(db *sql.DB) *PostgresArchive {
	return &PostgresArchive{db: db}
}

// ArchiveRecords inserts all records in a single transaction
func (p *PostgresArchive) ArchiveRecords(ctx context.Context, runID string, records []Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO experience (run_id, step, entity_key, reward, is_terminal,
								state, action, action_log_prob, state_value)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return fmt.Errorf("failed to prepare archive: %w", err)
	}
	defer stmt.Close()

	for step, r := range records {
		_, err := stmt.ExecContext(ctx, runID, step, r.Key, r.Reward, r.IsTerminal,
			toArray(r.State), toArray(r.Action), toArray(r.ActionLogProb), toArray(r.StateValue))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("failed to archive step %d: %w", step, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (p *PostgresArchive) Close() error {
	return p.db.Close()
}

func toArray(t *tensor.Tensor) pq.Float64Array {
	if t == nil {
		return nil
	}
	values := t.Data()
	out := make(pq.Float64Array, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
