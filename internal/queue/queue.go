// Package queue implements the durable, database-backed task queue:
// atomic claim-with-lease, heartbeat, completion, retry, and
// dead-letter transitions over the run_task table. Grounded on the
// SELECT ... FOR UPDATE SKIP LOCKED claim pattern and short,
// purpose-scoped transactions used for outbox-style work queues.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"valuationd/internal/domain"
)

var (
	// ErrNoTask indicates claim found nothing to do.
	ErrNoTask = errors.New("queue: no claimable task")
	// ErrLeaseLost indicates a heartbeat/succeed/fail call found the
	// lease no longer belongs to the calling worker.
	ErrLeaseLost = errors.New("queue: lease lost")
	// ErrNotFound indicates the referenced task does not exist.
	ErrNotFound = errors.New("queue: task not found")
)

// Task is a claimed unit of work, with its owning run's dispatch inputs
// denormalized onto it for convenience in the worker loop.
type Task struct {
	TaskID             string
	RunID              string
	PortfolioNodeID    string
	ProductType        string
	PositionSnapshotID string
	HashMod            int
	HashBucket         int
	Status             domain.TaskStatus
	Attempt            int
	MaxAttempts        int
	WorkerID           string
	LeasedUntil        time.Time
}

type Queue struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Queue { return &Queue{db: db} }

// Claim atomically selects one claimable row — QUEUED, or RUNNING with
// an expired lease, belonging to a run that is not CANCELLING — and
// marks it RUNNING under a fresh lease. Returns ErrNoTask if nothing is
// claimable right now. A claim also opportunistically reaps any other
// expired leases it encounters by virtue of including them in the
// claimable set.
func (q *Queue) Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (Task, error) {
	tx, err := q.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Task{}, err
	}
	defer tx.Rollback(ctx)

	var t Task
	err = tx.QueryRow(ctx, `
		SELECT rt.task_id, rt.run_id, rt.portfolio_node_id, rt.product_type,
		       rt.position_snapshot_id, rt.hash_mod, rt.hash_bucket,
		       rt.attempt, rt.max_attempts
		  FROM run_task rt
		  JOIN run r ON r.run_id = rt.run_id
		 WHERE r.status NOT IN ('CANCELLING','CANCELLED')
		   AND (rt.status = 'QUEUED'
		        OR (rt.status = 'RUNNING' AND rt.leased_until <= now()))
		 ORDER BY rt.updated_at ASC, rt.task_id ASC
		 FOR UPDATE OF rt SKIP LOCKED
		 LIMIT 1`,
	).Scan(&t.TaskID, &t.RunID, &t.PortfolioNodeID, &t.ProductType,
		&t.PositionSnapshotID, &t.HashMod, &t.HashBucket, &t.Attempt, &t.MaxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, ErrNoTask
	}
	if err != nil {
		return Task{}, err
	}

	t.Attempt++
	t.Status = domain.TaskRunning
	t.WorkerID = workerID
	t.LeasedUntil = time.Now().UTC().Add(leaseDuration)

	_, err = tx.Exec(ctx, `
		UPDATE run_task
		   SET status='RUNNING', attempt=$2, leased_until=$3, worker_id=$4, updated_at=now()
		 WHERE task_id=$1`,
		t.TaskID, t.Attempt, t.LeasedUntil, workerID,
	)
	if err != nil {
		return Task{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE run SET status='RUNNING', started_at=COALESCE(started_at, now()), updated_at=now()
		 WHERE run_id=$1 AND status='QUEUED'`, t.RunID); err != nil {
		return Task{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Task{}, err
	}
	return t, nil
}

// Heartbeat refreshes a task's lease. Fails with ErrLeaseLost if the
// task is not RUNNING under workerID's lease.
func (q *Queue) Heartbeat(ctx context.Context, taskID, workerID string, leaseDuration time.Duration) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE run_task
		   SET leased_until = now() + $3, updated_at = now()
		 WHERE task_id = $1 AND worker_id = $2 AND status = 'RUNNING' AND leased_until > now()`,
		taskID, workerID, leaseDuration,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Succeed marks a task SUCCEEDED iff its lease is still current.
// diagnostics carries per-position pricing errors that didn't fail the
// task outright (a task with at least one priced position still
// succeeds); when non-empty it is stored in last_error (joined into its
// "message", the field Get and ListByRun read back) for operator
// visibility, overwriting whatever the previous attempt left there.
func (q *Queue) Succeed(ctx context.Context, taskID, workerID string, diagnostics []string) error {
	var note []byte
	if len(diagnostics) > 0 {
		var err error
		note, err = json.Marshal(map[string]string{"message": strings.Join(diagnostics, "; ")})
		if err != nil {
			return fmt.Errorf("queue: marshal diagnostics: %w", err)
		}
	}

	tag, err := q.db.Exec(ctx, `
		UPDATE run_task
		   SET status='SUCCEEDED', leased_until=NULL, last_error=$3::jsonb, updated_at=now()
		 WHERE task_id=$1 AND worker_id=$2 AND status='RUNNING' AND leased_until > now()`,
		taskID, workerID, note,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Fail records an error and, when retriable and attempts remain,
// requeues the task; otherwise dead-letters it. Gated by the lease
// check like Succeed.
func (q *Queue) Fail(ctx context.Context, taskID, workerID string, cause error, retriable bool) error {
	lastErr, err := json.Marshal(map[string]string{"message": cause.Error()})
	if err != nil {
		return fmt.Errorf("queue: marshal last_error: %w", err)
	}

	tx, err := q.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var attempt, maxAttempts int
	err = tx.QueryRow(ctx, `
		SELECT attempt, max_attempts FROM run_task
		 WHERE task_id=$1 AND worker_id=$2 AND status='RUNNING' AND leased_until > now()
		 FOR UPDATE`,
		taskID, workerID,
	).Scan(&attempt, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrLeaseLost
	}
	if err != nil {
		return err
	}

	nextStatus := "DEAD"
	if retriable && attempt < maxAttempts {
		nextStatus = "QUEUED"
	}

	_, err = tx.Exec(ctx, `
		UPDATE run_task
		   SET status=$2, leased_until=NULL, worker_id=NULL, last_error=$3::jsonb, updated_at=now()
		 WHERE task_id=$1`,
		taskID, nextStatus, lastErr,
	)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Reap demotes RUNNING tasks whose lease has lapsed back to QUEUED
// without touching attempt, since the lapse itself made no progress.
// Claim already folds this logic into its own SELECT predicate; Reap
// exists for an operator-facing sweep independent of claim traffic
// (e.g. a scheduled tick run from cmd/worker).
func (q *Queue) Reap(ctx context.Context) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE run_task
		   SET status='QUEUED', leased_until=NULL, worker_id=NULL, updated_at=now()
		 WHERE status='RUNNING' AND leased_until <= now()`,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Get retrieves a single task row by id for status read-back.
func (q *Queue) Get(ctx context.Context, taskID string) (domain.RunTaskSummary, error) {
	var (
		out       domain.RunTaskSummary
		lastError []byte
	)
	err := q.db.QueryRow(ctx, `
		SELECT task_id, run_id, portfolio_node_id, product_type, hash_bucket,
		       status, attempt, max_attempts, last_error, updated_at
		  FROM run_task WHERE task_id=$1`, taskID,
	).Scan(&out.TaskID, &out.RunID, &out.PortfolioNodeID, &out.ProductType, &out.HashBucket,
		&out.Status, &out.Attempt, &out.MaxAttempts, &lastError, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RunTaskSummary{}, ErrNotFound
	}
	if err != nil {
		return domain.RunTaskSummary{}, err
	}
	if len(lastError) > 0 {
		var m map[string]string
		if err := json.Unmarshal(lastError, &m); err == nil {
			out.LastError = m["message"]
		}
	}
	return out, nil
}

// defaultListLimit and maxListLimit bound ListByRun's page size;
// idx_run_task_updated backs its keyset scan.
const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// ListByRun keyset-paginates task rows for a run, ordered by
// (updated_at, task_id), returning rows strictly after the given
// cursor (the zero time lists from the beginning). hasMore reports
// whether another page follows.
func (q *Queue) ListByRun(ctx context.Context, runID string, limit int, afterUpdatedAt time.Time, afterTaskID string) ([]domain.RunTaskSummary, bool, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	rows, err := q.db.Query(ctx, `
		SELECT task_id, run_id, portfolio_node_id, product_type, hash_bucket,
		       status, attempt, max_attempts, last_error, updated_at
		  FROM run_task
		 WHERE run_id=$1 AND (updated_at, task_id) > ($2, $3)
		 ORDER BY updated_at ASC, task_id ASC
		 LIMIT $4`, runID, afterUpdatedAt, afterTaskID, limit+1)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var out []domain.RunTaskSummary
	for rows.Next() {
		var (
			t         domain.RunTaskSummary
			lastError []byte
		)
		if err := rows.Scan(&t.TaskID, &t.RunID, &t.PortfolioNodeID, &t.ProductType, &t.HashBucket,
			&t.Status, &t.Attempt, &t.MaxAttempts, &lastError, &t.UpdatedAt); err != nil {
			return nil, false, err
		}
		if len(lastError) > 0 {
			var m map[string]string
			if err := json.Unmarshal(lastError, &m); err == nil {
				t.LastError = m["message"]
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}
