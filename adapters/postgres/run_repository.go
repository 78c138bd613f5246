// Package postgres persists analysis runs in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"portimpact/domain/causal"
	"portimpact/domain/core"
	"portimpact/ports"
)

// runRepository implements the RunRepository interface
type runRepository struct {
	db *sqlx.DB
}

// NewRunRepository creates a new analysis run repository
func NewRunRepository(db *sqlx.DB) ports.RunRepository {
	return &runRepository{db: db}
}

// Connect opens a PostgreSQL connection pool for the repository.
func Connect(url string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the analysis_runs table when missing.
func (r *runRepository) EnsureSchema(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS analysis_runs (
		id TEXT PRIMARY KEY,
		method TEXT NOT NULL,
		outcomes JSONB NOT NULL,
		panel_file TEXT,
		result JSONB NOT NULL,
		warnings JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create analysis_runs table: %w", err)
	}
	return nil
}

// Save inserts a completed run
func (r *runRepository) Save(ctx context.Context, run *ports.AnalysisRun) error {
	outcomesJSON, err := json.Marshal(run.Outcomes)
	if err != nil {
		return fmt.Errorf("failed to marshal outcomes: %w", err)
	}
	resultJSON, err := json.Marshal(run.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	warningsJSON, err := json.Marshal(run.Warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}

	query := `INSERT INTO analysis_runs (
		id, method, outcomes, panel_file, result, warnings, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.ExecContext(ctx, query,
		run.ID.String(), string(run.Method), outcomesJSON, run.PanelFile,
		resultJSON, warningsJSON, run.CreatedAt.Time(),
	)
	if err != nil {
		return fmt.Errorf("failed to save analysis run: %w", err)
	}
	return nil
}

// GetByID retrieves one run by its ID
func (r *runRepository) GetByID(ctx context.Context, id core.AnalysisID) (*ports.AnalysisRun, error) {
	query := `SELECT id, method, outcomes, COALESCE(panel_file, '') as panel_file,
		result, COALESCE(warnings, 'null') as warnings, created_at
	FROM analysis_runs WHERE id = $1`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("analysis run not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get analysis run: %w", err)
	}
	return run, nil
}

// ListByMethod retrieves the most recent runs for a method
func (r *runRepository) ListByMethod(ctx context.Context, method causal.Method, limit int) ([]*ports.AnalysisRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, method, outcomes, COALESCE(panel_file, '') as panel_file,
		result, COALESCE(warnings, 'null') as warnings, created_at
	FROM analysis_runs WHERE method = $1
	ORDER BY created_at DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, string(method), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list analysis runs: %w", err)
	}
	defer rows.Close()

	var runs []*ports.AnalysisRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate analysis runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*ports.AnalysisRun, error) {
	var run ports.AnalysisRun
	var id, method string
	var outcomesJSON, resultJSON, warningsJSON []byte
	var createdAt sql.NullTime

	if err := row.Scan(&id, &method, &outcomesJSON, &run.PanelFile, &resultJSON, &warningsJSON, &createdAt); err != nil {
		return nil, err
	}

	run.ID = core.AnalysisID(id)
	run.Method = causal.Method(method)
	if err := json.Unmarshal(outcomesJSON, &run.Outcomes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outcomes: %w", err)
	}
	if err := json.Unmarshal(resultJSON, &run.Result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	if len(warningsJSON) > 0 && string(warningsJSON) != "null" {
		if err := json.Unmarshal(warningsJSON, &run.Warnings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal warnings: %w", err)
		}
	}
	if createdAt.Valid {
		run.CreatedAt = core.NewTimestamp(createdAt.Time)
	}
	return &run, nil
}
