package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"valuationd/internal/domain"
	"valuationd/internal/pricer"
	"valuationd/internal/queue"
	"valuationd/internal/result"
	"valuationd/internal/scenario"
	"valuationd/internal/snapshot"
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

// TestProcessTask_AllPositionsFailedStillSucceeds covers a task whose
// every position hits a per-position diagnostic (here, a missing
// embedded instrument): the task itself still succeeds, carrying the
// diagnostics along, rather than dead-lettering.
func TestProcessTask_AllPositionsFailedStillSucceeds(t *testing.T) {
	db := requireTestDB(t)
	defer db.Close()
	ctx := context.Background()

	snapshots := snapshot.New(db)
	mkt, err := snapshots.PutMarketSnapshot(ctx, snapshot.MarketSnapshot{
		SnapshotID: "snap-allfail", AsOfTime: time.Now(), Vendor: "vendorA",
		UniverseID: "uni-1", Payload: domain.MarketPayload{}, DQStatus: domain.DQPass,
	})
	require.NoError(t, err)

	positions := []domain.Position{
		{PositionID: "px-1", ProductType: "FIXED_BOND", BaseCurrency: "USD"},
		{PositionID: "px-2", ProductType: "FIXED_BOND", BaseCurrency: "USD"},
	}
	ps, err := snapshots.PutPositionSnapshot(ctx, "node-allfail", time.Now(), positions)
	require.NoError(t, err)

	_, err = db.Exec(ctx, `
		INSERT INTO run(run_id, run_type, status, as_of_time, market_snapshot_id, measures, scenarios, portfolio_scope, hash_mod)
		VALUES ('run-allfail', 'SANDBOX', 'QUEUED', now(), $1, '["PV"]'::jsonb, '[{"scenario_set_id":"BASE"}]'::jsonb, '[]'::jsonb, 1)
		ON CONFLICT (run_id) DO NOTHING`, mkt.SnapshotID)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `
		INSERT INTO run_task(task_id, run_id, portfolio_node_id, product_type, position_snapshot_id, hash_mod, hash_bucket, status, attempt, max_attempts)
		VALUES ('task-allfail', 'run-allfail', 'node-allfail', 'FIXED_BOND', $1, 1, 0, 'QUEUED', 0, 3)
		ON CONFLICT (task_id) DO NOTHING`, ps.PositionSnapshotID)
	require.NoError(t, err)

	w := New(db, snapshots, scenario.New(), pricer.Bootstrap(), result.New(db), statemachine.New(db), Config{
		WorkerID:      "worker-allfail",
		LeaseDuration: time.Minute,
		IdleSleep:     time.Millisecond,
		CacheSize:     4,
	}, zerolog.Nop())

	task, err := w.queue.Claim(ctx, "worker-allfail", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "task-allfail", task.TaskID)

	w.processTask(ctx, task)

	q := queue.New(db)
	summary, err := q.Get(ctx, task.TaskID)
	require.NoError(t, err)
	require.EqualValues(t, domain.TaskSucceeded, summary.Status)
	require.NotEmpty(t, summary.LastError, "diagnostics should be recorded even on success")
}
