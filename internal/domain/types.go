// Package domain holds the wire-level request/response schemas for the
// HTTP boundary and the types shared across the orchestrator, workers,
// and storage layers. One schema per message.
package domain

import (
	"encoding/json"
	"time"
)

// CurveNode is a single (tenor, rate) point on a zero curve.
type CurveNode struct {
	Tenor string  `json:"tenor"`
	Rate  float64 `json:"rate"`
}

// Curve is an identified, ordered sequence of curve nodes.
type Curve struct {
	ID    string      `json:"id"`
	Nodes []CurveNode `json:"nodes"`
}

// FXSpot is a single currency-pair spot rate.
type FXSpot struct {
	Pair string  `json:"pair"`
	Rate float64 `json:"rate"`
}

// MarketPayload is the structured bundle embedded in a MarketSnapshot.
type MarketPayload struct {
	Curves  []Curve  `json:"curves"`
	FXSpots []FXSpot `json:"fx_spots"`
}

// DQStatus is the data-quality status of a market snapshot.
type DQStatus string

const (
	DQPass DQStatus = "PASS"
	DQWarn DQStatus = "WARN"
	DQFail DQStatus = "FAIL"
)

// MarketSnapshotRequest is the ingest request body for
// POST /api/v1/marketdata/snapshots.
type MarketSnapshotRequest struct {
	SnapshotID string        `json:"snapshot_id"`
	AsOfTime   time.Time     `json:"as_of_time"`
	Vendor     string        `json:"vendor"`
	UniverseID string        `json:"universe_id"`
	Payload    MarketPayload `json:"payload"`
	DQStatus   DQStatus      `json:"dq_status"`
}

// MarketSnapshotResponse is returned on successful ingest.
type MarketSnapshotResponse struct {
	SnapshotID  string `json:"snapshot_id"`
	PayloadHash string `json:"payload_hash"`
}

// Instrument is either embedded inline in a Position or referenced by id.
type Instrument struct {
	InstrumentID string          `json:"instrument_id,omitempty"`
	Attributes   json.RawMessage `json:"attributes,omitempty"`
}

// Position is a single line item inside a PositionSnapshot payload.
type Position struct {
	PositionID   string          `json:"position_id"`
	ProductType  string          `json:"product_type"`
	Instrument   *Instrument     `json:"instrument,omitempty"`
	Attributes   json.RawMessage `json:"attributes,omitempty"`
	BaseCurrency string          `json:"base_currency"`
}

// PositionSnapshotRequest is the ingest request body for
// POST /api/v1/position-snapshots.
type PositionSnapshotRequest struct {
	PortfolioNodeID string     `json:"portfolio_node_id"`
	AsOfTime        time.Time  `json:"as_of_time"`
	Payload         []Position `json:"payload"`
}

// PositionSnapshotResponse is returned on successful ingest (or replay
// of an existing id on content-hash match).
type PositionSnapshotResponse struct {
	PositionSnapshotID string `json:"position_snapshot_id"`
	PayloadHash        string `json:"payload_hash"`
}

// ScenarioRef names one scenario to run, by its registered scenario_set_id.
type ScenarioRef struct {
	ScenarioSetID string `json:"scenario_set_id"`
}

// PortfolioScope selects the portfolio nodes a run covers.
type PortfolioScope struct {
	NodeIDs []string `json:"node_ids"`
}

// Execution carries run fan-out parameters.
type Execution struct {
	HashMod int `json:"hash_mod"`
}

// RunType enumerates the kinds of run a client may submit.
type RunType string

const (
	RunEODOfficial RunType = "EOD_OFFICIAL"
	RunIntraday    RunType = "INTRADAY"
	RunSandbox     RunType = "SANDBOX"
)

// RunStatus enumerates the run state machine's states.
type RunStatus string

const (
	RunQueued     RunStatus = "QUEUED"
	RunRunning    RunStatus = "RUNNING"
	RunCancelling RunStatus = "CANCELLING"
	RunCancelled  RunStatus = "CANCELLED"
	RunFailed     RunStatus = "FAILED"
	RunCompleted  RunStatus = "COMPLETED"
)

// RunRequest is the request body for POST /api/v1/runs.
type RunRequest struct {
	RunID            string         `json:"run_id"`
	RunType          RunType        `json:"run_type"`
	AsOfTime         time.Time      `json:"as_of_time"`
	MarketSnapshotID string         `json:"market_snapshot_id"`
	PortfolioScope   PortfolioScope `json:"portfolio_scope"`
	Measures         []string       `json:"measures"`
	Scenarios        []ScenarioRef  `json:"scenarios"`
	Execution        Execution      `json:"execution"`
}

// RunResponse is returned on successful run submission.
type RunResponse struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	TaskCount int       `json:"task_count"`
}

// TaskStatus enumerates RunTask's state machine.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskDead      TaskStatus = "DEAD"
)

// RunTaskSummary is the read-back shape for a single task row.
type RunTaskSummary struct {
	TaskID          string     `json:"task_id"`
	RunID           string     `json:"run_id"`
	PortfolioNodeID string     `json:"portfolio_node_id"`
	ProductType     string     `json:"product_type"`
	HashBucket      int        `json:"hash_bucket"`
	Status          TaskStatus `json:"status"`
	Attempt         int        `json:"attempt"`
	MaxAttempts     int        `json:"max_attempts"`
	LastError       string     `json:"last_error,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// RunSummary aggregates task counts, written by the run state machine
// when a run reaches a terminal state.
type RunSummary struct {
	TaskCounts map[TaskStatus]int `json:"task_counts"`
	DeadErrors []string           `json:"dead_errors,omitempty"`
}

// RunStatusResponse is the read-back shape for GET /api/v1/runs/{run_id}.
type RunStatusResponse struct {
	RunID            string      `json:"run_id"`
	RunType          RunType     `json:"run_type"`
	Status           RunStatus   `json:"status"`
	AsOfTime         time.Time   `json:"as_of_time"`
	MarketSnapshotID string      `json:"market_snapshot_id"`
	Measures         []string    `json:"measures"`
	RequestedAt      time.Time   `json:"requested_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
	Summary          *RunSummary `json:"summary,omitempty"`
	Error            string      `json:"error,omitempty"`
}

// RunListResponse is a paginated run listing.
type RunListResponse struct {
	Runs          []RunStatusResponse `json:"runs"`
	NextPageToken string               `json:"next_page_token,omitempty"`
}

// TaskListResponse is a paginated task listing for a single run.
type TaskListResponse struct {
	Tasks         []RunTaskSummary `json:"tasks"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}
