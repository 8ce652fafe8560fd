package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/backtest-orchestrator/internal/domain"
	"github.com/animus-labs/backtest-orchestrator/internal/repo"
)

const runColumns = `run_id, status, request_snapshot, result, error_message,
	data_fingerprint, computation_version, build_tag, created_at, started_at, completed_at`

type RunStore struct {
	db      DB
	dialect Dialect
}

func NewRunStore(db DB, dialect Dialect) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db, dialect: dialect}
}

func (s *RunStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	query, args = bind(s.dialect, query, args)
	return s.db.ExecContext(ctx, query, args...)
}

func (s *RunStore) Create(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	if run.Status != domain.StatusPending {
		return fmt.Errorf("new runs must be %s, got %s", domain.StatusPending, run.Status)
	}
	res, err := s.exec(
		ctx,
		`INSERT INTO backtest_runs (
			run_id,
			status,
			request_snapshot,
			created_at
		) VALUES ($1,$2,$3,$4)
		ON CONFLICT (run_id) DO NOTHING`,
		strings.TrimSpace(run.ID),
		string(run.Status),
		[]byte(run.Snapshot),
		normalizeTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if rows == 0 {
		return repo.ErrConflict
	}
	return nil
}

func (s *RunStore) Get(ctx context.Context, runID string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	query, args := bind(s.dialect, `SELECT `+runColumns+` FROM backtest_runs WHERE run_id = $1`, []any{runID})
	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

// Transition moves runID from one status to the next. The UPDATE only applies
// while the stored status still equals from, so of two racing writers exactly
// one wins and the other sees ErrStaleState.
func (s *RunStore) Transition(ctx context.Context, runID string, from, to domain.Status, update domain.Update) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	if err := update.CheckTransition(from, to); err != nil {
		return domain.Run{}, err
	}
	current, err := s.Get(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if current.Status != from {
		return domain.Run{}, repo.ErrStaleState
	}
	next := update.Apply(current, to)

	res, err := s.exec(
		ctx,
		`UPDATE backtest_runs SET
			status = $1,
			result = $2,
			error_message = $3,
			data_fingerprint = $4,
			computation_version = $5,
			build_tag = $6,
			started_at = $7,
			completed_at = $8
		 WHERE run_id = $9 AND status = $10`,
		string(next.Status),
		nullBytes(next.Result),
		nullIfEmpty(next.ErrorMessage),
		nullIfEmpty(next.Tags.DataFingerprint),
		nullIfEmpty(next.Tags.ComputationVersion),
		nullIfEmpty(next.Tags.BuildTag),
		nullTime(next.StartedAt),
		nullTime(next.CompletedAt),
		current.ID,
		string(from),
	)
	if err != nil {
		return domain.Run{}, fmt.Errorf("update run status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return domain.Run{}, fmt.Errorf("update run status: %w", err)
	}
	if rows == 0 {
		if _, err := s.Get(ctx, runID); errors.Is(err, repo.ErrNotFound) {
			return domain.Run{}, repo.ErrNotFound
		}
		return domain.Run{}, repo.ErrStaleState
	}
	return next, nil
}

func (s *RunStore) List(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	args := make([]any, 0, 2)
	query := `SELECT ` + runColumns + ` FROM backtest_runs`
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	query, args = bind(s.dialect, query, args)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var (
		run                domain.Run
		status             string
		snapshot           []byte
		result             []byte
		errorMessage       sql.NullString
		dataFingerprint    sql.NullString
		computationVersion sql.NullString
		buildTag           sql.NullString
		startedAt          sql.NullTime
		completedAt        sql.NullTime
	)
	if err := row.Scan(&run.ID, &status, &snapshot, &result, &errorMessage,
		&dataFingerprint, &computationVersion, &buildTag, &run.CreatedAt, &startedAt, &completedAt); err != nil {
		return domain.Run{}, err
	}
	parsed, ok := domain.ParseStatus(status)
	if !ok {
		return domain.Run{}, fmt.Errorf("run %s has unknown status %q", run.ID, status)
	}
	run.Status = parsed
	run.Snapshot = domain.Payload(snapshot)
	if len(result) > 0 {
		run.Result = domain.Payload(result)
	}
	run.ErrorMessage = errorMessage.String
	run.Tags = domain.ReproducibilityTags{
		DataFingerprint:    dataFingerprint.String,
		ComputationVersion: computationVersion.String,
		BuildTag:           buildTag.String,
	}
	run.CreatedAt = run.CreatedAt.UTC()
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	return run, nil
}
