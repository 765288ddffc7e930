// Package result implements the idempotent upsert of per-(run, position,
// scenario) valuation results, fingerprinted by an input hash, and their
// append-only, hash-chained audit trail. Grounded on the JCS-canonical
// event payload and append-only log idiom used for ledger postings.
package result

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Row is one valuation result write.
type Row struct {
	RunID           string
	PositionID      string
	ScenarioID      string
	PortfolioNodeID string
	ProductType     string
	BaseCurrency    string
	Measures        map[string]float64
	ComputeMeta     map[string]any
	InputHash       string
}

// Conflict is returned (alongside a nil error) when a differing
// input_hash was already stored for the row's key; the new values were
// still written (last-writer-wins), and an event was logged for
// operator visibility.
type Conflict struct {
	PreviousInputHash string
}

type Writer struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Writer { return &Writer{db: db} }

// Upsert writes r.Measures/ComputeMeta under (run_id, position_id,
// scenario_id):
//   - no existing row: insert, log RESULT_WRITTEN.
//   - existing row with equal input_hash: no-op.
//   - existing row with differing input_hash: overwrite (last writer
//     wins) and log RESULT_CONFLICT, returning *Conflict.
func (w *Writer) Upsert(ctx context.Context, r Row) (*Conflict, error) {
	measuresJSON, err := json.Marshal(r.Measures)
	if err != nil {
		return nil, fmt.Errorf("result: marshal measures: %w", err)
	}
	metaJSON, err := json.Marshal(r.ComputeMeta)
	if err != nil {
		return nil, fmt.Errorf("result: marshal compute_meta: %w", err)
	}

	tx, err := w.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var existingHash string
	err = tx.QueryRow(ctx, `
		SELECT input_hash FROM valuation_result
		 WHERE run_id=$1 AND position_id=$2 AND scenario_id=$3
		 FOR UPDATE`,
		r.RunID, r.PositionID, r.ScenarioID,
	).Scan(&existingHash)

	var conflict *Conflict
	eventType := "RESULT_WRITTEN"

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, `
			INSERT INTO valuation_result(
				run_id, position_id, scenario_id, portfolio_node_id, product_type,
				base_currency, measures, compute_meta, input_hash
			) VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8::jsonb,$9)`,
			r.RunID, r.PositionID, r.ScenarioID, r.PortfolioNodeID, r.ProductType,
			r.BaseCurrency, measuresJSON, metaJSON, r.InputHash,
		)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case existingHash == r.InputHash:
		return nil, tx.Commit(ctx)
	default:
		conflict = &Conflict{PreviousInputHash: existingHash}
		eventType = "RESULT_CONFLICT"
		_, err = tx.Exec(ctx, `
			UPDATE valuation_result
			   SET portfolio_node_id=$4, product_type=$5, base_currency=$6,
			       measures=$7::jsonb, compute_meta=$8::jsonb, input_hash=$9, updated_at=now()
			 WHERE run_id=$1 AND position_id=$2 AND scenario_id=$3`,
			r.RunID, r.PositionID, r.ScenarioID, r.PortfolioNodeID, r.ProductType,
			r.BaseCurrency, measuresJSON, metaJSON, r.InputHash,
		)
		if err != nil {
			return nil, err
		}
	}

	if err := w.logEvent(ctx, tx, r, eventType); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return conflict, nil
}

type resultEventPayload struct {
	RunID       string             `json:"run_id"`
	PositionID  string             `json:"position_id"`
	ScenarioID  string             `json:"scenario_id"`
	Measures    map[string]float64 `json:"measures"`
	InputHash   string             `json:"input_hash"`
	ProductType string             `json:"product_type"`
}

func (w *Writer) logEvent(ctx context.Context, tx pgx.Tx, r Row, eventType string) error {
	payload := resultEventPayload{
		RunID: r.RunID, PositionID: r.PositionID, ScenarioID: r.ScenarioID,
		Measures: r.Measures, InputHash: r.InputHash, ProductType: r.ProductType,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("result: marshal event payload: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return fmt.Errorf("result: canonicalize event payload: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO result_event_log(run_id, position_id, scenario_id, event_type, payload_canonical)
		VALUES ($1,$2,$3,$4,$5)`,
		r.RunID, r.PositionID, r.ScenarioID, eventType, string(canon),
	)
	return err
}
