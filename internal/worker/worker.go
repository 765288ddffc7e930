// Package worker implements the claim -> load -> scenario-apply ->
// pricer-dispatch -> result-persist loop run by every worker process.
// Failure classification is explicit at every stage; there is no
// catch-all branch that swallows an error's kind.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"valuationd/internal/domain"
	"valuationd/internal/hash"
	"valuationd/internal/pricer"
	"valuationd/internal/queue"
	"valuationd/internal/result"
	"valuationd/internal/scenario"
	"valuationd/internal/snapshot"
	"valuationd/internal/statemachine"
)

// heartbeatEvery bounds how many positions are priced between lease
// refreshes, per the worker loop's heartbeat cadence.
const heartbeatEvery = 25

type Config struct {
	WorkerID      string
	LeaseDuration time.Duration
	IdleSleep     time.Duration
	CacheSize     int
}

type Worker struct {
	db        *pgxpool.Pool
	queue     *queue.Queue
	snapshots *snapshot.Store
	scenarios *scenario.Engine
	registry  *pricer.Registry
	results   *result.Writer
	machine   *statemachine.Machine
	cache     *snapshotCache
	cfg       Config
	log       zerolog.Logger
}

func New(db *pgxpool.Pool, snapshots *snapshot.Store, scenarios *scenario.Engine, registry *pricer.Registry, results *result.Writer, machine *statemachine.Machine, cfg Config, log zerolog.Logger) *Worker {
	return &Worker{
		db:        db,
		queue:     queue.New(db),
		snapshots: snapshots,
		scenarios: scenarios,
		registry:  registry,
		results:   results,
		machine:   machine,
		cache:     newSnapshotCache(cfg.CacheSize),
		cfg:       cfg,
		log:       log,
	}
}

// Run drives the main loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		task, err := w.queue.Claim(ctx, w.cfg.WorkerID, w.cfg.LeaseDuration)
		switch {
		case errors.Is(err, queue.ErrNoTask):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.IdleSleep):
			}
			continue
		case err != nil:
			w.log.Error().Err(err).Msg("claim failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.IdleSleep):
			}
			continue
		}

		w.processTask(ctx, task)
	}
}

func (w *Worker) processTask(ctx context.Context, task queue.Task) {
	logger := w.log.With().Str("task_id", task.TaskID).Str("run_id", task.RunID).Logger()

	run, err := w.loadRunInfo(ctx, task.RunID)
	if err != nil {
		w.failTask(ctx, task, logger, err, true)
		return
	}

	mkt, err := w.loadMarketSnapshot(ctx, run.MarketSnapshotID)
	if err != nil {
		w.failTask(ctx, task, logger, err, true)
		return
	}

	positions, err := w.loadPositionSnapshot(ctx, task.PositionSnapshotID)
	if err != nil {
		w.failTask(ctx, task, logger, err, true)
		return
	}

	p, err := w.registry.Get(task.ProductType)
	if err != nil {
		w.failTask(ctx, task, logger, err, false)
		return
	}

	var diagnostics []string
	sincePositionHeartbeat := 0

	for _, pos := range positions {
		if pos.ProductType != task.ProductType {
			continue
		}
		if hash.Bucket(pos.PositionID, task.HashMod) != task.HashBucket {
			continue
		}

		instr, err := resolveInstrument(pos)
		if err != nil {
			diagnostics = append(diagnostics, fmt.Sprintf("%s: %v", pos.PositionID, err))
			continue
		}

		positionHash, err := hash.Hash(pos)
		if err != nil {
			w.failTask(ctx, task, logger, err, true)
			return
		}
		instrumentHash, err := hash.Hash(instr)
		if err != nil {
			w.failTask(ctx, task, logger, err, true)
			return
		}

		for _, sref := range run.Scenarios {
			if err := w.priceOneScenario(ctx, task, run, mkt, pos, instr, positionHash, instrumentHash, p, sref.ScenarioSetID); err != nil {
				diagnostics = append(diagnostics, fmt.Sprintf("%s/%s: %v", pos.PositionID, sref.ScenarioSetID, err))
			}
		}

		sincePositionHeartbeat++
		if sincePositionHeartbeat >= heartbeatEvery {
			sincePositionHeartbeat = 0
			if err := w.queue.Heartbeat(ctx, task.TaskID, w.cfg.WorkerID, w.cfg.LeaseDuration); err != nil {
				logger.Warn().Err(err).Msg("lease lost mid-task; aborting")
				return
			}
			// Pick up a cancellation requested since the task started.
			if latest, err := w.loadRunInfo(ctx, task.RunID); err == nil {
				run.Status = latest.Status
			}
		}

		if run.Status == domain.RunCancelling {
			w.failTask(ctx, task, logger, errCancelled, false)
			return
		}
	}

	// A per-position pricing error is a diagnostic, not a task failure:
	// the task still succeeds, even when every position recorded one, so
	// the other positions/tasks in the run are never blocked by one bad
	// instrument. Diagnostics ride along on the success for visibility.
	if err := w.queue.Succeed(ctx, task.TaskID, w.cfg.WorkerID, diagnostics); err != nil {
		logger.Warn().Err(err).Msg("lease lost at completion; no writes after this point")
		return
	}
	if len(diagnostics) > 0 {
		logger.Warn().Strs("diagnostics", diagnostics).Msg("task succeeded with per-position errors")
	}

	if _, err := w.machine.Recompute(ctx, task.RunID); err != nil {
		logger.Error().Err(err).Msg("run state recompute failed")
	}
}

func (w *Worker) priceOneScenario(ctx context.Context, task queue.Task, run runInfo, mkt snapshot.MarketSnapshot, pos domain.Position, instr domain.Instrument, positionHash, instrumentHash string, p pricer.Pricer, scenarioID string) error {
	shocked, err := w.scenarios.Apply(mkt.Payload, scenarioID)
	if err != nil {
		return err
	}

	measures, err := p.Price(ctx, pos, instr, shocked, run.Measures, scenarioID)
	if err != nil {
		return err
	}

	inputHash, err := hash.Combine(mkt.PayloadHash, instrumentHash, positionHash, p.Version(), scenarioID)
	if err != nil {
		return err
	}

	conflict, err := w.results.Upsert(ctx, result.Row{
		RunID: task.RunID, PositionID: pos.PositionID, ScenarioID: scenarioID,
		PortfolioNodeID: task.PortfolioNodeID, ProductType: task.ProductType, BaseCurrency: pos.BaseCurrency,
		Measures:    measures,
		ComputeMeta: map[string]any{"pricer_version": p.Version()},
		InputHash:   inputHash,
	})
	if err != nil {
		return err
	}
	if conflict != nil {
		w.log.Warn().Str("task_id", task.TaskID).Str("position_id", pos.PositionID).
			Str("previous_input_hash", conflict.PreviousInputHash).Msg("result conflict: overwritten, last writer wins")
	}
	return nil
}

var (
	errCancelled         = errors.New("worker: run cancelled")
	errMissingInstrument = errors.New("worker: position has no instrument")
)

func resolveInstrument(pos domain.Position) (domain.Instrument, error) {
	if pos.Instrument != nil {
		return *pos.Instrument, nil
	}
	// External instrument lookup is an optional collaborator this repo
	// does not wire; an embedded instrument is canonical.
	return domain.Instrument{}, fmt.Errorf("%w: %s", errMissingInstrument, pos.PositionID)
}

// failTask classifies and applies a task-level failure. retriable
// governs whether the queue requeues or dead-letters the task.
func (w *Worker) failTask(ctx context.Context, task queue.Task, logger zerolog.Logger, cause error, retriable bool) {
	if err := w.queue.Fail(ctx, task.TaskID, w.cfg.WorkerID, cause, retriable); err != nil {
		logger.Warn().Err(err).Msg("lease lost while recording failure")
		return
	}
	logger.Error().Err(cause).Bool("retriable", retriable).Msg("task failed")
	if _, err := w.machine.Recompute(ctx, task.RunID); err != nil {
		logger.Error().Err(err).Msg("run state recompute failed")
	}
}

type runInfo struct {
	MarketSnapshotID string
	Measures         []string
	Scenarios        []domain.ScenarioRef
	Status           domain.RunStatus
}

func (w *Worker) loadRunInfo(ctx context.Context, runID string) (runInfo, error) {
	var (
		out          runInfo
		measuresJSON []byte
		scenarioJSON []byte
		status       string
	)
	err := w.db.QueryRow(ctx, `
		SELECT market_snapshot_id, measures, scenarios, status FROM run WHERE run_id=$1`, runID,
	).Scan(&out.MarketSnapshotID, &measuresJSON, &scenarioJSON, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return runInfo{}, fmt.Errorf("worker: run %q not found", runID)
	}
	if err != nil {
		return runInfo{}, err
	}
	if err := json.Unmarshal(measuresJSON, &out.Measures); err != nil {
		return runInfo{}, fmt.Errorf("worker: decode run measures: %w", err)
	}
	if err := json.Unmarshal(scenarioJSON, &out.Scenarios); err != nil {
		return runInfo{}, fmt.Errorf("worker: decode run scenarios: %w", err)
	}
	out.Status = domain.RunStatus(status)
	return out, nil
}

func (w *Worker) loadMarketSnapshot(ctx context.Context, snapshotID string) (snapshot.MarketSnapshot, error) {
	if cached, ok := w.cache.getMarket(snapshotID); ok {
		return snapshot.MarketSnapshot{SnapshotID: snapshotID, Payload: cached, PayloadHash: hash.MustHash(cached)}, nil
	}
	mkt, err := w.snapshots.GetMarketSnapshot(ctx, snapshotID)
	if err != nil {
		return snapshot.MarketSnapshot{}, err
	}
	w.cache.putMarket(snapshotID, mkt.Payload)
	return mkt, nil
}

func (w *Worker) loadPositionSnapshot(ctx context.Context, snapshotID string) ([]domain.Position, error) {
	if cached, ok := w.cache.getPositions(snapshotID); ok {
		return cached, nil
	}
	ps, err := w.snapshots.GetPositionSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	w.cache.putPositions(snapshotID, ps.Payload)
	return ps.Payload, nil
}
