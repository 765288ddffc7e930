package result_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"valuationd/internal/result"
	"valuationd/internal/store"
)

// requireTestDB skips unless DATABASE_URL is set.
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

func TestUpsert_IdempotentOnEqualInputHash(t *testing.T) {
	db := requireTestDB(t)
	defer db.Close()
	w := result.New(db)

	seedRun(t, db, "run-upsert-1")

	row := result.Row{
		RunID: "run-upsert-1", PositionID: "p1", ScenarioID: "BASE",
		PortfolioNodeID: "node-1", ProductType: "FIXED_BOND", BaseCurrency: "USD",
		Measures: map[string]float64{"PV": 100.0}, ComputeMeta: map[string]any{"pricer_version": "fixedbond-v1"},
		InputHash: "hash-a",
	}

	_, err := w.Upsert(context.Background(), row)
	require.NoError(t, err)

	conflict, err := w.Upsert(context.Background(), row)
	require.NoError(t, err)
	require.Nil(t, conflict)
}

func TestUpsert_ConflictOnDifferingInputHash(t *testing.T) {
	db := requireTestDB(t)
	defer db.Close()
	w := result.New(db)

	seedRun(t, db, "run-upsert-2")

	row := result.Row{
		RunID: "run-upsert-2", PositionID: "p1", ScenarioID: "BASE",
		PortfolioNodeID: "node-1", ProductType: "FIXED_BOND", BaseCurrency: "USD",
		Measures: map[string]float64{"PV": 100.0}, InputHash: "hash-a",
	}
	_, err := w.Upsert(context.Background(), row)
	require.NoError(t, err)

	row.InputHash = "hash-b"
	row.Measures = map[string]float64{"PV": 101.0}
	conflict, err := w.Upsert(context.Background(), row)
	require.NoError(t, err)
	require.NotNil(t, conflict)
	require.Equal(t, "hash-a", conflict.PreviousInputHash)
}

func seedRun(t *testing.T, db *pgxpool.Pool, runID string) {
	t.Helper()
	ctx := context.Background()
	_, err := db.Exec(ctx, `
		INSERT INTO marketdata_snapshot(snapshot_id, as_of_time, vendor, universe_id, payload_json, dq_status, payload_hash)
		VALUES ('snap-1', now(), 'vendorA', 'uni-1', '{}'::jsonb, 'PASS', 'h')
		ON CONFLICT (snapshot_id) DO NOTHING`)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `
		INSERT INTO run(run_id, run_type, status, as_of_time, market_snapshot_id, measures, scenarios, portfolio_scope, hash_mod)
		VALUES ($1, 'SANDBOX', 'RUNNING', now(), 'snap-1', '["PV"]'::jsonb, '["BASE"]'::jsonb, '[]'::jsonb, 1)
		ON CONFLICT (run_id) DO NOTHING`, runID)
	require.NoError(t, err)
}
