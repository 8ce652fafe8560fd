package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/backtest-orchestrator/internal/domain"
	"github.com/animus-labs/backtest-orchestrator/internal/repo"
)

type UnitStore struct {
	db      DB
	dialect Dialect
}

func NewUnitStore(db DB, dialect Dialect) *UnitStore {
	if db == nil {
		return nil
	}
	return &UnitStore{db: db, dialect: dialect}
}

// Register records a unit for a run. A second registration for the same run is
// rejected with ErrConflict, which keeps units at one per run.
func (s *UnitStore) Register(ctx context.Context, unit repo.Unit) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("unit store not initialized")
	}
	runID := strings.TrimSpace(unit.RunID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(unit.Launcher) == "" || strings.TrimSpace(unit.Name) == "" {
		return fmt.Errorf("launcher and unit name are required")
	}
	query, args := bind(s.dialect,
		`INSERT INTO backtest_run_units (run_id, launcher, unit_name, created_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (run_id) DO NOTHING`,
		[]any{runID, strings.TrimSpace(unit.Launcher), strings.TrimSpace(unit.Name), normalizeTime(unit.CreatedAt)},
	)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert unit: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert unit: %w", err)
	}
	if rows == 0 {
		return repo.ErrConflict
	}
	return nil
}

func (s *UnitStore) Get(ctx context.Context, runID string) (repo.Unit, error) {
	if s == nil || s.db == nil {
		return repo.Unit{}, fmt.Errorf("unit store not initialized")
	}
	query, args := bind(s.dialect,
		`SELECT run_id, launcher, unit_name, created_at, deleted_at
		 FROM backtest_run_units WHERE run_id = $1`,
		[]any{strings.TrimSpace(runID)},
	)
	var (
		unit      repo.Unit
		deletedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&unit.RunID, &unit.Launcher, &unit.Name, &unit.CreatedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repo.Unit{}, repo.ErrNotFound
		}
		return repo.Unit{}, fmt.Errorf("get unit: %w", err)
	}
	unit.CreatedAt = unit.CreatedAt.UTC()
	if deletedAt.Valid {
		at := deletedAt.Time.UTC()
		unit.DeletedAt = &at
	}
	return unit, nil
}

func (s *UnitStore) ListSweepable(ctx context.Context, kind string, failedBefore time.Time, limit int) ([]repo.SweepCandidate, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("unit store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	query, args := bind(s.dialect,
		`SELECT u.run_id, u.launcher, u.unit_name, u.created_at, r.status, r.completed_at
		 FROM backtest_run_units u
		 JOIN backtest_runs r ON r.run_id = u.run_id
		 WHERE u.deleted_at IS NULL
		   AND u.launcher = $4
		   AND (r.status = $1 OR (r.status = $2 AND r.completed_at <= $3))
		 ORDER BY r.completed_at ASC
		 LIMIT $5`,
		[]any{string(domain.StatusSucceeded), string(domain.StatusFailed), normalizeTime(failedBefore), strings.TrimSpace(kind), limit},
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sweepable units: %w", err)
	}
	defer rows.Close()

	out := make([]repo.SweepCandidate, 0)
	for rows.Next() {
		var (
			c           repo.SweepCandidate
			status      string
			completedAt sql.NullTime
		)
		if err := rows.Scan(&c.Unit.RunID, &c.Unit.Launcher, &c.Unit.Name, &c.Unit.CreatedAt, &status, &completedAt); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		parsed, ok := domain.ParseStatus(status)
		if !ok {
			return nil, fmt.Errorf("run %s has unknown status %q", c.Unit.RunID, status)
		}
		c.RunStatus = parsed
		c.Unit.CreatedAt = c.Unit.CreatedAt.UTC()
		if completedAt.Valid {
			c.CompletedAt = completedAt.Time.UTC()
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sweepable units: %w", err)
	}
	return out, nil
}

// MarkDeleted stamps deleted_at once; repeated calls are no-ops.
func (s *UnitStore) MarkDeleted(ctx context.Context, runID string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("unit store not initialized")
	}
	query, args := bind(s.dialect,
		`UPDATE backtest_run_units SET deleted_at = $1 WHERE run_id = $2 AND deleted_at IS NULL`,
		[]any{normalizeTime(at), strings.TrimSpace(runID)},
	)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark unit deleted: %w", err)
	}
	return nil
}
