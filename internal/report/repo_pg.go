package report

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type runRepoPG struct{ pool *pgxpool.Pool }

// NewRunRepoPG creates a PostgreSQL-backed run repository.
func NewRunRepoPG(pool *pgxpool.Pool) RunRepository {
	return &runRepoPG{pool: pool}
}

const runCols = `id, operation, subject, examined, created, updated,
	matched, merged, errors, duration_ms, recorded_at`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.Operation, &r.Subject, &r.Examined, &r.Created,
		&r.Updated, &r.Matched, &r.Merged, &r.Errors, &r.DurationMS, &r.RecordedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *runRepoPG) Create(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO reconciliation_runs (id, operation, subject, examined,
			created, updated, matched, merged, errors, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		run.ID, run.Operation, run.Subject, run.Examined,
		run.Created, run.Updated, run.Matched, run.Merged, run.Errors, run.DurationMS)
	return err
}

func (r *runRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	return scanRun(r.pool.QueryRow(ctx,
		`SELECT `+runCols+` FROM reconciliation_runs WHERE id = $1`, id))
}

func (r *runRepoPG) List(ctx context.Context, subject string, limit int) ([]*Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT ` + runCols + ` FROM reconciliation_runs`
	args := []interface{}{limit}
	if subject != "" {
		query += ` WHERE subject = $2`
		args = append(args, subject)
	}
	query += ` ORDER BY recorded_at DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
