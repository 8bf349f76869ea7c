package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/patientflow/internal/platform/db"
	"github.com/ehr/patientflow/internal/sim"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const runCols = `id, batch_id, status, seed, horizon_hours, parameters, parameters_hash,
	error, created_by, created_at, started_at, completed_at`

func (r *repoPG) Create(ctx context.Context, run *Run) error {
	params, err := json.Marshal(run.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	results, err := encodeResults(run.Results)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO simulation_run (
			id, batch_id, status, seed, horizon_hours, parameters, parameters_hash,
			results, error, created_by, created_at, started_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		run.ID, run.BatchID, run.Status, run.Seed, run.HorizonHours, params, run.ParametersHash,
		results, nullable(run.Error), nullable(run.CreatedBy), run.CreatedAt, run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (r *repoPG) Update(ctx context.Context, run *Run) error {
	results, err := encodeResults(run.Results)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE simulation_run SET
			status=$2, results=$3, error=$4, started_at=$5, completed_at=$6
		WHERE id = $1`,
		run.ID, run.Status, results, nullable(run.Error), run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	var results []byte
	run, err := scanRun(r.conn(ctx).QueryRow(ctx,
		`SELECT `+runCols+`, results FROM simulation_run WHERE id = $1`, id), &results)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		run.Results = &sim.Results{}
		if err := json.Unmarshal(results, run.Results); err != nil {
			return nil, fmt.Errorf("decode results of %s: %w", id, err)
		}
	}
	return run, nil
}

// List reads the page and the total inside one transaction so the count
// matches the rows returned.
func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	var (
		runs  []*Run
		total int
	)
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM simulation_run`).Scan(&total); err != nil {
			return fmt.Errorf("count runs: %w", err)
		}
		rows, err := r.conn(ctx).Query(ctx,
			`SELECT `+runCols+` FROM simulation_run ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		defer rows.Close()
		runs, err = collectRuns(rows)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

func (r *repoPG) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*Run, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+runCols+` FROM simulation_run WHERE batch_id = $1 ORDER BY seed`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM simulation_run WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// encodeResults stores results without the trace, which is returned only to
// the caller that asked for it.
func encodeResults(res *sim.Results) ([]byte, error) {
	if res == nil {
		return nil, nil
	}
	stored := *res
	stored.Trace = nil
	b, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}
	return b, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// scanRun reads runCols plus any extra trailing columns into dest.
func scanRun(row pgx.Row, extra ...interface{}) (*Run, error) {
	var (
		run       Run
		params    []byte
		errText   *string
		createdBy *string
	)
	dest := []interface{}{
		&run.ID, &run.BatchID, &run.Status, &run.Seed, &run.HorizonHours, &params, &run.ParametersHash,
		&errText, &createdBy, &run.CreatedAt, &run.StartedAt, &run.CompletedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &run.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters of %s: %w", run.ID, err)
	}
	if errText != nil {
		run.Error = *errText
	}
	if createdBy != nil {
		run.CreatedBy = *createdBy
	}
	return &run, nil
}

func collectRuns(rows pgx.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}
