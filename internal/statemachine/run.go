// Package statemachine drives the run state machine's transitions
// (RUNNING -> COMPLETED/FAILED/CANCELLED) from the aggregate state of
// its tasks, after every task completion.
package statemachine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"valuationd/internal/domain"
)

var ErrNotFound = errors.New("statemachine: run not found")

type Machine struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Machine { return &Machine{db: db} }

// Recompute takes the run row for update, counts its tasks by status,
// and transitions the run if the aggregate state now satisfies a
// terminal condition. Safe to call after every single task completion;
// a run already in a terminal state is left untouched.
func (m *Machine) Recompute(ctx context.Context, runID string) (domain.RunStatus, error) {
	tx, err := m.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	var status domain.RunStatus
	err = tx.QueryRow(ctx, `SELECT status FROM run WHERE run_id=$1 FOR UPDATE`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	switch status {
	case domain.RunCompleted, domain.RunFailed, domain.RunCancelled:
		return status, tx.Commit(ctx)
	}

	counts, err := taskCounts(ctx, tx, runID)
	if err != nil {
		return "", err
	}

	next := status
	switch {
	case status == domain.RunCancelling && counts[domain.TaskRunning] == 0:
		next = domain.RunCancelled
	case counts[domain.TaskQueued] == 0 && counts[domain.TaskRunning] == 0 &&
		counts[domain.TaskSucceeded] == 0 && counts[domain.TaskDead] > 0:
		next = domain.RunFailed
	case counts[domain.TaskQueued] == 0 && counts[domain.TaskRunning] == 0 && counts[domain.TaskSucceeded] > 0:
		next = domain.RunCompleted
	}

	if next == status {
		return status, tx.Commit(ctx)
	}

	summary := domain.RunSummary{TaskCounts: counts}
	if next == domain.RunFailed || next == domain.RunCompleted {
		if counts[domain.TaskDead] > 0 {
			summary.DeadErrors, err = deadErrors(ctx, tx, runID)
			if err != nil {
				return "", err
			}
		}
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return "", err
	}

	_, err = tx.Exec(ctx, `
		UPDATE run
		   SET status=$2, completed_at=CASE WHEN $2 IN ('COMPLETED','FAILED','CANCELLED') THEN now() ELSE completed_at END,
		       summary=$3::jsonb, updated_at=now()
		 WHERE run_id=$1`,
		runID, string(next), summaryJSON,
	)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return next, nil
}

// RequestCancellation moves a QUEUED or RUNNING run to CANCELLING.
func (m *Machine) RequestCancellation(ctx context.Context, runID string) error {
	tag, err := m.db.Exec(ctx, `
		UPDATE run SET status='CANCELLING', updated_at=now()
		 WHERE run_id=$1 AND status IN ('QUEUED','RUNNING')`, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func taskCounts(ctx context.Context, tx pgx.Tx, runID string) (map[domain.TaskStatus]int, error) {
	rows, err := tx.Query(ctx, `SELECT status, count(*) FROM run_task WHERE run_id=$1 GROUP BY status`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[domain.TaskStatus]int{
		domain.TaskQueued: 0, domain.TaskRunning: 0, domain.TaskSucceeded: 0,
		domain.TaskFailed: 0, domain.TaskDead: 0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func deadErrors(ctx context.Context, tx pgx.Tx, runID string) ([]string, error) {
	rows, err := tx.Query(ctx, `
		SELECT last_error FROM run_task
		 WHERE run_id=$1 AND status='DEAD' AND last_error IS NOT NULL
		 ORDER BY task_id ASC LIMIT 20`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var m map[string]string
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m["message"])
		}
	}
	return out, rows.Err()
}
