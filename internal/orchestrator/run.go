// Package orchestrator implements run admission: validating a run
// request, resolving its portfolio scope into position snapshots, and
// fanning it out into deterministic, product-typed, hash-bucketed
// tasks in a single transaction alongside the run row itself.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"valuationd/internal/domain"
	"valuationd/internal/hash"
	"valuationd/internal/scenario"
	"valuationd/internal/snapshot"
)

var (
	ErrValidation = errors.New("orchestrator: validation error")
	ErrConflict   = errors.New("orchestrator: run_id already exists")
	ErrNotFound   = errors.New("orchestrator: referenced entity not found")
)

var measureTag = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

type Orchestrator struct {
	db              *pgxpool.Pool
	snapshots       *snapshot.Store
	scenarios       *scenario.Engine
	defaultAttempts int
}

// New builds an Orchestrator. defaultMaxAttempts is the RUN_TASK_MAX_ATTEMPTS
// value stamped onto every task at fan-out time.
func New(db *pgxpool.Pool, snapshots *snapshot.Store, scenarios *scenario.Engine, defaultMaxAttempts int) *Orchestrator {
	if defaultMaxAttempts < 1 {
		defaultMaxAttempts = 3
	}
	return &Orchestrator{db: db, snapshots: snapshots, scenarios: scenarios, defaultAttempts: defaultMaxAttempts}
}

// SubmitRun validates req, resolves its portfolio scope, and inserts
// the run plus its full set of tasks in one transaction. A run_id
// collision is ErrConflict with no partial writes.
func (o *Orchestrator) SubmitRun(ctx context.Context, req domain.RunRequest) (domain.RunResponse, error) {
	req, err := o.normalize(req)
	if err != nil {
		return domain.RunResponse{}, err
	}

	mkt, err := o.snapshots.GetMarketSnapshot(ctx, req.MarketSnapshotID)
	if errors.Is(err, snapshot.ErrNotFound) {
		return domain.RunResponse{}, fmt.Errorf("%w: market_snapshot_id %q", ErrNotFound, req.MarketSnapshotID)
	}
	if err != nil {
		return domain.RunResponse{}, err
	}
	if mkt.DQStatus != domain.DQPass && mkt.DQStatus != domain.DQWarn {
		return domain.RunResponse{}, fmt.Errorf("%w: market snapshot dq_status %s not admissible", ErrValidation, mkt.DQStatus)
	}

	for _, s := range req.Scenarios {
		if !contains(o.scenarios.List(), s.ScenarioSetID) {
			return domain.RunResponse{}, fmt.Errorf("%w: unregistered scenario %q", ErrValidation, s.ScenarioSetID)
		}
	}

	type nodeTasks struct {
		positionSnapshotID string
		productTypes       []string
	}
	resolved := make(map[string]nodeTasks, len(req.PortfolioScope.NodeIDs))
	for _, nodeID := range req.PortfolioScope.NodeIDs {
		ps, err := o.snapshots.LatestPositionSnapshot(ctx, nodeID, req.AsOfTime)
		if errors.Is(err, snapshot.ErrNotFound) {
			return domain.RunResponse{}, fmt.Errorf("%w: no position snapshot for node %q at or before %s", ErrNotFound, nodeID, req.AsOfTime)
		}
		if err != nil {
			return domain.RunResponse{}, err
		}
		resolved[nodeID] = nodeTasks{positionSnapshotID: ps.PositionSnapshotID, productTypes: productTypesIn(ps.Payload)}
	}

	tx, err := o.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return domain.RunResponse{}, err
	}
	defer tx.Rollback(ctx)

	measuresJSON, err := json.Marshal(req.Measures)
	if err != nil {
		return domain.RunResponse{}, err
	}
	scenariosJSON, err := json.Marshal(req.Scenarios)
	if err != nil {
		return domain.RunResponse{}, err
	}
	scopeJSON, err := json.Marshal(req.PortfolioScope)
	if err != nil {
		return domain.RunResponse{}, err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO run(run_id, run_type, status, as_of_time, market_snapshot_id, measures, scenarios, portfolio_scope, hash_mod)
		VALUES ($1,$2,'QUEUED',$3,$4,$5::jsonb,$6::jsonb,$7::jsonb,$8)
		ON CONFLICT (run_id) DO NOTHING`,
		req.RunID, string(req.RunType), req.AsOfTime, req.MarketSnapshotID,
		measuresJSON, scenariosJSON, scopeJSON, req.Execution.HashMod,
	)
	if err != nil {
		return domain.RunResponse{}, err
	}
	if tag.RowsAffected() == 0 {
		return domain.RunResponse{}, fmt.Errorf("%w: %s", ErrConflict, req.RunID)
	}

	taskCount := 0
	for nodeID, nt := range resolved {
		for _, productType := range nt.productTypes {
			for bucket := 0; bucket < req.Execution.HashMod; bucket++ {
				taskID, err := hash.Combine(req.RunID, nodeID, productType, fmt.Sprintf("%d", bucket))
				if err != nil {
					return domain.RunResponse{}, err
				}
				_, err = tx.Exec(ctx, `
					INSERT INTO run_task(
						task_id, run_id, portfolio_node_id, product_type, position_snapshot_id,
						hash_mod, hash_bucket, status, attempt, max_attempts
					) VALUES ($1,$2,$3,$4,$5,$6,$7,'QUEUED',0,$8)`,
					taskID, req.RunID, nodeID, productType, nt.positionSnapshotID,
					req.Execution.HashMod, bucket, o.defaultAttempts,
				)
				if err != nil {
					return domain.RunResponse{}, err
				}
				taskCount++
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.RunResponse{}, err
	}

	return domain.RunResponse{RunID: req.RunID, Status: domain.RunQueued, TaskCount: taskCount}, nil
}

// normalize validates req and returns a copy with the implicit BASE
// scenario prepended if the caller omitted it. A caller that leaves
// run_id blank gets one generated, so admission never fails just
// because a client doesn't want to own id generation.
func (o *Orchestrator) normalize(req domain.RunRequest) (domain.RunRequest, error) {
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}
	if req.MarketSnapshotID == "" {
		return req, fmt.Errorf("%w: market_snapshot_id required", ErrValidation)
	}
	switch req.RunType {
	case domain.RunEODOfficial, domain.RunIntraday, domain.RunSandbox:
	default:
		return req, fmt.Errorf("%w: unrecognized run_type %q", ErrValidation, req.RunType)
	}
	if req.Execution.HashMod < 1 {
		return req, fmt.Errorf("%w: hash_mod must be >= 1", ErrValidation)
	}
	if len(req.Measures) == 0 {
		return req, fmt.Errorf("%w: at least one measure required", ErrValidation)
	}
	for _, m := range req.Measures {
		if !measureTag.MatchString(m) {
			return req, fmt.Errorf("%w: malformed measure tag %q", ErrValidation, m)
		}
	}
	if len(req.PortfolioScope.NodeIDs) == 0 {
		return req, fmt.Errorf("%w: portfolio_scope.node_ids required", ErrValidation)
	}

	hasBase := false
	for _, s := range req.Scenarios {
		if s.ScenarioSetID == "BASE" {
			hasBase = true
		}
	}
	if !hasBase {
		withBase := make([]domain.ScenarioRef, 0, len(req.Scenarios)+1)
		withBase = append(withBase, domain.ScenarioRef{ScenarioSetID: "BASE"})
		req.Scenarios = append(withBase, req.Scenarios...)
	}
	return req, nil
}

func productTypesIn(positions []domain.Position) []string {
	set := make(map[string]struct{})
	for _, p := range positions {
		set[p.ProductType] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
