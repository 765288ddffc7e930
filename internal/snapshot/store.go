// Package snapshot implements write-once, append-only storage and
// retrieval of immutable market and position snapshots, keyed by id and
// content hash. Same pgxpool-backed, short-transaction shape, and the
// same ON CONFLICT DO NOTHING + follow-up SELECT idiom for idempotent
// dedup, as an idempotency-row write path.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"valuationd/internal/domain"
	"valuationd/internal/hash"
)

var (
	// ErrConflict indicates a snapshot_id exists with a differing payload_hash.
	ErrConflict = errors.New("snapshot: payload hash conflict")
	// ErrNotFound indicates no snapshot exists for the given id.
	ErrNotFound = errors.New("snapshot: not found")
)

// MarketSnapshot is the stored, immutable market data bundle.
type MarketSnapshot struct {
	SnapshotID  string
	AsOfTime    time.Time
	Vendor      string
	UniverseID  string
	Payload     domain.MarketPayload
	DQStatus    domain.DQStatus
	PayloadHash string
}

// PositionSnapshot is the stored, immutable position bundle.
type PositionSnapshot struct {
	PositionSnapshotID string
	PortfolioNodeID    string
	AsOfTime           time.Time
	Payload            []domain.Position
	PayloadHash        string
}

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{db: db} }

// PutMarketSnapshot stores a market snapshot, computing its payload hash.
// No-op (returns in with its computed payload hash; the stored row is
// not re-read) if an identical payload_hash is already stored under the
// same id; ErrConflict if the id exists with a different payload_hash.
func (s *Store) PutMarketSnapshot(ctx context.Context, in MarketSnapshot) (MarketSnapshot, error) {
	payloadHash, err := hash.Hash(in.Payload)
	if err != nil {
		return MarketSnapshot{}, fmt.Errorf("snapshot: hash payload: %w", err)
	}
	in.PayloadHash = payloadHash

	payloadJSON, err := json.Marshal(in.Payload)
	if err != nil {
		return MarketSnapshot{}, fmt.Errorf("snapshot: marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return MarketSnapshot{}, err
	}
	defer tx.Rollback(ctx)

	var existingHash string
	err = tx.QueryRow(ctx, `SELECT payload_hash FROM marketdata_snapshot WHERE snapshot_id=$1`, in.SnapshotID).
		Scan(&existingHash)
	switch {
	case err == nil:
		if existingHash != payloadHash {
			return MarketSnapshot{}, ErrConflict
		}
		if err := tx.Commit(ctx); err != nil {
			return MarketSnapshot{}, err
		}
		return in, nil
	case errors.Is(err, pgx.ErrNoRows):
		// fall through to insert
	default:
		return MarketSnapshot{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO marketdata_snapshot(
			snapshot_id, as_of_time, vendor, universe_id, payload_json, dq_status, payload_hash
		) VALUES ($1,$2,$3,$4,$5::jsonb,$6,$7)`,
		in.SnapshotID, in.AsOfTime, in.Vendor, in.UniverseID, payloadJSON, string(in.DQStatus), payloadHash,
	)
	if err != nil {
		return MarketSnapshot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return MarketSnapshot{}, err
	}
	return in, nil
}

// GetMarketSnapshot retrieves a market snapshot by id.
func (s *Store) GetMarketSnapshot(ctx context.Context, snapshotID string) (MarketSnapshot, error) {
	var (
		out         MarketSnapshot
		payloadJSON []byte
		dq          string
	)
	err := s.db.QueryRow(ctx, `
		SELECT snapshot_id, as_of_time, vendor, universe_id, payload_json, dq_status, payload_hash
		  FROM marketdata_snapshot WHERE snapshot_id=$1`,
		snapshotID,
	).Scan(&out.SnapshotID, &out.AsOfTime, &out.Vendor, &out.UniverseID, &payloadJSON, &dq, &out.PayloadHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return MarketSnapshot{}, ErrNotFound
	}
	if err != nil {
		return MarketSnapshot{}, err
	}
	if err := json.Unmarshal(payloadJSON, &out.Payload); err != nil {
		return MarketSnapshot{}, fmt.Errorf("snapshot: decode payload: %w", err)
	}
	out.DQStatus = domain.DQStatus(dq)
	return out, nil
}

// PutPositionSnapshot computes the payload hash and deduplicates by
// (portfolio_node_id, payload_hash): an identical payload previously
// stored for the same node returns the existing id.
func (s *Store) PutPositionSnapshot(ctx context.Context, portfolioNodeID string, asOfTime time.Time, payload []domain.Position) (PositionSnapshot, error) {
	payloadHash, err := hash.Hash(payload)
	if err != nil {
		return PositionSnapshot{}, fmt.Errorf("snapshot: hash payload: %w", err)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return PositionSnapshot{}, fmt.Errorf("snapshot: marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return PositionSnapshot{}, err
	}
	defer tx.Rollback(ctx)

	var existingID string
	err = tx.QueryRow(ctx,
		`SELECT position_snapshot_id FROM position_snapshot WHERE portfolio_node_id=$1 AND payload_hash=$2`,
		portfolioNodeID, payloadHash,
	).Scan(&existingID)
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return PositionSnapshot{}, err
		}
		return PositionSnapshot{
			PositionSnapshotID: existingID,
			PortfolioNodeID:    portfolioNodeID,
			AsOfTime:           asOfTime,
			Payload:            payload,
			PayloadHash:        payloadHash,
		}, nil
	case errors.Is(err, pgx.ErrNoRows):
		// fall through to insert
	default:
		return PositionSnapshot{}, err
	}

	id := portfolioNodeID + ":" + payloadHash[:16]
	_, err = tx.Exec(ctx, `
		INSERT INTO position_snapshot(
			position_snapshot_id, portfolio_node_id, as_of_time, payload_json, payload_hash
		) VALUES ($1,$2,$3,$4::jsonb,$5)
		ON CONFLICT (portfolio_node_id, payload_hash) DO NOTHING`,
		id, portfolioNodeID, asOfTime, payloadJSON, payloadHash,
	)
	if err != nil {
		return PositionSnapshot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return PositionSnapshot{}, err
	}

	return PositionSnapshot{
		PositionSnapshotID: id,
		PortfolioNodeID:    portfolioNodeID,
		AsOfTime:           asOfTime,
		Payload:            payload,
		PayloadHash:        payloadHash,
	}, nil
}

// GetPositionSnapshot retrieves a position snapshot by id.
func (s *Store) GetPositionSnapshot(ctx context.Context, id string) (PositionSnapshot, error) {
	var (
		out         PositionSnapshot
		payloadJSON []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT position_snapshot_id, portfolio_node_id, as_of_time, payload_json, payload_hash
		  FROM position_snapshot WHERE position_snapshot_id=$1`,
		id,
	).Scan(&out.PositionSnapshotID, &out.PortfolioNodeID, &out.AsOfTime, &payloadJSON, &out.PayloadHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return PositionSnapshot{}, ErrNotFound
	}
	if err != nil {
		return PositionSnapshot{}, err
	}
	if err := json.Unmarshal(payloadJSON, &out.Payload); err != nil {
		return PositionSnapshot{}, fmt.Errorf("snapshot: decode payload: %w", err)
	}
	return out, nil
}

// LatestPositionSnapshot resolves the latest snapshot for a portfolio
// node at or before asOfTime, the portfolio_scope resolution policy used
// when a run references a node rather than an explicit snapshot id.
func (s *Store) LatestPositionSnapshot(ctx context.Context, portfolioNodeID string, asOfTime time.Time) (PositionSnapshot, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		SELECT position_snapshot_id FROM position_snapshot
		 WHERE portfolio_node_id=$1 AND as_of_time <= $2
		 ORDER BY as_of_time DESC, position_snapshot_id DESC
		 LIMIT 1`,
		portfolioNodeID, asOfTime,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return PositionSnapshot{}, ErrNotFound
	}
	if err != nil {
		return PositionSnapshot{}, err
	}
	return s.GetPositionSnapshot(ctx, id)
}
