package statemachine_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"valuationd/internal/domain"
	"valuationd/internal/statemachine"
	"valuationd/internal/store"
)

func requireTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping DB-integration test")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := store.Migrate(context.Background(), pool, zerolog.Nop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func seedRunWithTasks(t *testing.T, db *pgxpool.Pool, runID string, taskStatuses ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := db.Exec(ctx, `
		INSERT INTO marketdata_snapshot(snapshot_id, as_of_time, vendor, universe_id, payload_json, dq_status, payload_hash)
		VALUES ('snap-sm1', now(), 'vendorA', 'uni-1', '{}'::jsonb, 'PASS', 'h')
		ON CONFLICT (snapshot_id) DO NOTHING`)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `
		INSERT INTO run(run_id, run_type, status, as_of_time, market_snapshot_id, measures, scenarios, portfolio_scope, hash_mod)
		VALUES ($1, 'SANDBOX', 'RUNNING', now(), 'snap-sm1', '["PV"]'::jsonb, '["BASE"]'::jsonb, '[]'::jsonb, 1)
		ON CONFLICT (run_id) DO NOTHING`, runID)
	require.NoError(t, err)
	for i, status := range taskStatuses {
		taskID := runID + "-t" + string(rune('a'+i))
		_, err = db.Exec(ctx, `
			INSERT INTO run_task(task_id, run_id, portfolio_node_id, product_type, position_snapshot_id, hash_mod, hash_bucket, status, attempt, max_attempts)
			VALUES ($1, $2, 'node-1', 'FIXED_BOND', 'ps-1', 1, 0, $3, 1, 3)
			ON CONFLICT (task_id) DO NOTHING`, taskID, runID, status)
		require.NoError(t, err)
	}
}

func TestRecompute_CompletesWhenAllTasksSucceeded(t *testing.T) {
	db := requireTestDB(t)
	defer db.Close()
	m := statemachine.New(db)

	seedRunWithTasks(t, db, "run-sm1", "SUCCEEDED", "SUCCEEDED")

	status, err := m.Recompute(context.Background(), "run-sm1")
	require.NoError(t, err)
	require.Equal(t, domain.RunCompleted, status)
}

func TestRecompute_FailsWhenAllTasksDead(t *testing.T) {
	db := requireTestDB(t)
	defer db.Close()
	m := statemachine.New(db)

	seedRunWithTasks(t, db, "run-sm2", "DEAD", "DEAD")

	status, err := m.Recompute(context.Background(), "run-sm2")
	require.NoError(t, err)
	require.Equal(t, domain.RunFailed, status)
}

func TestRecompute_CompletesWhenMixedSucceededAndDead(t *testing.T) {
	db := requireTestDB(t)
	defer db.Close()
	m := statemachine.New(db)

	seedRunWithTasks(t, db, "run-sm3", "SUCCEEDED", "DEAD")

	status, err := m.Recompute(context.Background(), "run-sm3")
	require.NoError(t, err)
	require.Equal(t, domain.RunCompleted, status)
}

func TestRecompute_LeavesRunningTasksUnchanged(t *testing.T) {
	db := requireTestDB(t)
	defer db.Close()
	m := statemachine.New(db)

	seedRunWithTasks(t, db, "run-sm4", "SUCCEEDED", "RUNNING")

	status, err := m.Recompute(context.Background(), "run-sm4")
	require.NoError(t, err)
	require.Equal(t, domain.RunRunning, status)
}

func TestRequestCancellation_ThenRecomputeCancelsOnceIdle(t *testing.T) {
	db := requireTestDB(t)
	defer db.Close()
	m := statemachine.New(db)

	seedRunWithTasks(t, db, "run-sm5", "SUCCEEDED")

	require.NoError(t, m.RequestCancellation(context.Background(), "run-sm5"))

	status, err := m.Recompute(context.Background(), "run-sm5")
	require.NoError(t, err)
	require.Equal(t, domain.RunCancelled, status)
}

func TestRequestCancellation_NotFoundForUnknownRun(t *testing.T) {
	db := requireTestDB(t)
	defer db.Close()
	m := statemachine.New(db)

	err := m.RequestCancellation(context.Background(), "run-does-not-exist")
	require.ErrorIs(t, err, statemachine.ErrNotFound)
}
