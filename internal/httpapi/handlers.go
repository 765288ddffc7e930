package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"valuationd/internal/domain"
	"valuationd/internal/orchestrator"
	"valuationd/internal/queue"
	"valuationd/internal/scenario"
	"valuationd/internal/snapshot"
	"valuationd/internal/statemachine"
)

type Handlers struct {
	db           *pgxpool.Pool
	snapshots    *snapshot.Store
	orchestrator *orchestrator.Orchestrator
	queue        *queue.Queue
	machine      *statemachine.Machine
	scenarios    *scenario.Engine
	log          zerolog.Logger
}

func NewHandlers(db *pgxpool.Pool, snapshots *snapshot.Store, orch *orchestrator.Orchestrator, q *queue.Queue, machine *statemachine.Machine, scenarios *scenario.Engine, log zerolog.Logger) *Handlers {
	return &Handlers{db: db, snapshots: snapshots, orchestrator: orch, queue: q, machine: machine, scenarios: scenarios, log: log}
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

var errRunNotFound = errors.New("httpapi: run not found")

func httpStatusForErr(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, snapshot.ErrNotFound), errors.Is(err, orchestrator.ErrNotFound),
		errors.Is(err, queue.ErrNotFound), errors.Is(err, statemachine.ErrNotFound), errors.Is(err, errRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, snapshot.ErrConflict), errors.Is(err, orchestrator.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrValidation), errors.Is(err, scenario.ErrInvalidScenario):
		return http.StatusBadRequest

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout

	default:
		return http.StatusInternalServerError
	}
}

func publicErrMessage(code int, err error) string {
	if code >= 500 {
		return "internal error"
	}
	return err.Error()
}

// PutMarketSnapshot handles POST /api/v1/marketdata/snapshots.
func (h *Handlers) PutMarketSnapshot(w http.ResponseWriter, r *http.Request) {
	var req domain.MarketSnapshotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	out, err := h.snapshots.PutMarketSnapshot(ctx, snapshot.MarketSnapshot{
		SnapshotID: req.SnapshotID, AsOfTime: req.AsOfTime, Vendor: req.Vendor,
		UniverseID: req.UniverseID, Payload: req.Payload, DQStatus: req.DQStatus,
	})
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}

	writeJSON(w, http.StatusCreated, domain.MarketSnapshotResponse{SnapshotID: out.SnapshotID, PayloadHash: out.PayloadHash})
}

// GetMarketSnapshot handles GET /api/v1/marketdata/snapshots/{snapshot_id}.
func (h *Handlers) GetMarketSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshotID := chi.URLParam(r, "snapshot_id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	out, err := h.snapshots.GetMarketSnapshot(ctx, snapshotID)
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusOK, domain.MarketSnapshotRequest{
		SnapshotID: out.SnapshotID, AsOfTime: out.AsOfTime, Vendor: out.Vendor,
		UniverseID: out.UniverseID, Payload: out.Payload, DQStatus: out.DQStatus,
	})
}

// PutPositionSnapshot handles POST /api/v1/position-snapshots.
func (h *Handlers) PutPositionSnapshot(w http.ResponseWriter, r *http.Request) {
	var req domain.PositionSnapshotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	out, err := h.snapshots.PutPositionSnapshot(ctx, req.PortfolioNodeID, req.AsOfTime, req.Payload)
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusCreated, domain.PositionSnapshotResponse{
		PositionSnapshotID: out.PositionSnapshotID, PayloadHash: out.PayloadHash,
	})
}

// GetPositionSnapshot handles GET /api/v1/position-snapshots/{position_snapshot_id}.
func (h *Handlers) GetPositionSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "position_snapshot_id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	out, err := h.snapshots.GetPositionSnapshot(ctx, id)
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusOK, domain.PositionSnapshotRequest{
		PortfolioNodeID: out.PortfolioNodeID, AsOfTime: out.AsOfTime, Payload: out.Payload,
	})
}

// SubmitRun handles POST /api/v1/runs.
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	var req domain.RunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	out, err := h.orchestrator.SubmitRun(ctx, req)
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// GetRun handles GET /api/v1/runs/{run_id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	out, err := h.loadRunStatus(ctx, runID)
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// CancelRun handles POST /api/v1/runs/{run_id}:cancel.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.machine.RequestCancellation(ctx, runID); err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(domain.RunCancelling)})
}

// ListTasks handles GET /api/v1/runs/{run_id}/tasks, keyset-paginated
// by (updated_at, task_id) via page_size/page_token query params.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	afterUpdatedAt, afterTaskID, err := decodeCursor(r.URL.Query().Get("page_token"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid page_token")
		return
	}
	limit := pageSizeFromQuery(r, 100, 500)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	tasks, hasMore, err := h.queue.ListByRun(ctx, runID, limit, afterUpdatedAt, afterTaskID)
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}

	out := domain.TaskListResponse{Tasks: tasks}
	if hasMore && len(tasks) > 0 {
		last := tasks[len(tasks)-1]
		out.NextPageToken = encodeCursor(last.UpdatedAt, last.TaskID)
	}
	writeJSON(w, http.StatusOK, out)
}

// ListRuns handles GET /api/v1/runs, keyset-paginated by
// (updated_at, run_id) via page_size/page_token query params.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	afterUpdatedAt, afterRunID, err := decodeCursor(r.URL.Query().Get("page_token"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid page_token")
		return
	}
	limit := pageSizeFromQuery(r, 100, 500)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	runs, hasMore, err := h.loadRunList(ctx, limit, afterUpdatedAt, afterRunID)
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}

	out := domain.RunListResponse{Runs: runs}
	if hasMore && len(runs) > 0 {
		last := runs[len(runs)-1]
		out.NextPageToken = encodeCursor(last.UpdatedAt, last.RunID)
	}
	writeJSON(w, http.StatusOK, out)
}

// rowScanner is satisfied by both pgx.Row (QueryRow) and *pgx.Rows
// (Query, via rows.Next()/rows.Scan), letting scanRunRow serve both
// the single-run read and the run listing.
type rowScanner interface {
	Scan(dest ...any) error
}

const runRowColumns = `run_id, run_type, status, as_of_time, market_snapshot_id, measures,
	       requested_at, started_at, completed_at, summary, error, updated_at`

// scanRunRow decodes one run row into its API shape.
func scanRunRow(s rowScanner) (domain.RunStatusResponse, error) {
	var (
		out          domain.RunStatusResponse
		runType      string
		status       string
		measuresJSON []byte
		summaryJSON  []byte
		errJSON      []byte
	)
	err := s.Scan(
		&out.RunID, &runType, &status, &out.AsOfTime, &out.MarketSnapshotID, &measuresJSON,
		&out.RequestedAt, &out.StartedAt, &out.CompletedAt, &summaryJSON, &errJSON, &out.UpdatedAt,
	)
	if err != nil {
		return domain.RunStatusResponse{}, err
	}
	out.RunType = domain.RunType(runType)
	out.Status = domain.RunStatus(status)
	if err := json.Unmarshal(measuresJSON, &out.Measures); err != nil {
		return domain.RunStatusResponse{}, err
	}
	if len(summaryJSON) > 0 && string(summaryJSON) != "null" {
		var s domain.RunSummary
		if err := json.Unmarshal(summaryJSON, &s); err != nil {
			return domain.RunStatusResponse{}, err
		}
		out.Summary = &s
	}
	if len(errJSON) > 0 && string(errJSON) != "null" {
		var m map[string]string
		if err := json.Unmarshal(errJSON, &m); err == nil {
			out.Error = m["message"]
		}
	}
	return out, nil
}

// liveTaskCounts aggregates run_task status counts directly, for runs
// still in flight: the state machine only stamps run.summary on a
// terminal transition, but progress should be visible before then.
func liveTaskCounts(ctx context.Context, db *pgxpool.Pool, runID string) (domain.RunSummary, error) {
	rows, err := db.Query(ctx, `SELECT status, count(*) FROM run_task WHERE run_id=$1 GROUP BY status`, runID)
	if err != nil {
		return domain.RunSummary{}, err
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
			return domain.RunSummary{}, err
		}
		counts[domain.TaskStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return domain.RunSummary{}, err
	}
	return domain.RunSummary{TaskCounts: counts}, nil
}

// loadRunStatus is a read-only projection of the run row; it does not
// belong to any component that owns run mutation, so it reads directly.
func (h *Handlers) loadRunStatus(ctx context.Context, runID string) (domain.RunStatusResponse, error) {
	row := h.db.QueryRow(ctx, `SELECT `+runRowColumns+` FROM run WHERE run_id=$1`, runID)
	out, err := scanRunRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RunStatusResponse{}, errRunNotFound
	}
	if err != nil {
		return domain.RunStatusResponse{}, err
	}
	if out.Summary == nil {
		live, err := liveTaskCounts(ctx, h.db, runID)
		if err != nil {
			return domain.RunStatusResponse{}, err
		}
		out.Summary = &live
	}
	return out, nil
}

// loadRunList keyset-paginates the run table by (updated_at, run_id).
// Summaries for in-flight runs are left as stored (possibly nil); the
// single-run GET fills in live counts, but a live GROUP BY per row
// would make a listing page O(page_size) aggregate queries deep.
func (h *Handlers) loadRunList(ctx context.Context, limit int, afterUpdatedAt time.Time, afterRunID string) ([]domain.RunStatusResponse, bool, error) {
	rows, err := h.db.Query(ctx, `
		SELECT `+runRowColumns+`
		  FROM run
		 WHERE (updated_at, run_id) > ($1, $2)
		 ORDER BY updated_at ASC, run_id ASC
		 LIMIT $3`, afterUpdatedAt, afterRunID, limit+1,
	)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var out []domain.RunStatusResponse
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, false, err
		}
		out = append(out, run)
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
