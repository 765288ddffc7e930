package pricer

import (
	"context"
	"encoding/json"
	"fmt"

	"valuationd/internal/domain"
)

// FXForwardAttrs is the attribute shape an FX_FWD instrument carries.
type FXForwardAttrs struct {
	Pair     string  `json:"pair"`
	Notional float64 `json:"notional"`
	Strike   float64 `json:"strike"`
}

// FXForwardPricer prices an outright FX forward against the spot rate
// for its currency pair, undiscounted: PV = notional * (spot - strike).
// FX_DELTA is the forward's sensitivity to a 1% spot move, computed by
// bumping the spot used for this position's pair and repricing.
type FXForwardPricer struct{}

func (FXForwardPricer) Version() string { return "fxforward-v1" }

func (p FXForwardPricer) Price(_ context.Context, _ domain.Position, instr domain.Instrument, snap domain.MarketPayload, measures []string, _ string) (map[string]float64, error) {
	var attrs FXForwardAttrs
	if len(instr.Attributes) > 0 {
		if err := json.Unmarshal(instr.Attributes, &attrs); err != nil {
			return nil, fmt.Errorf("pricer: decode instrument attributes: %w", err)
		}
	}
	if attrs.Pair == "" {
		return nil, fmt.Errorf("%w: fx forward requires pair", ErrMissingInput)
	}
	if attrs.Notional == 0 {
		return nil, fmt.Errorf("%w: fx forward requires non-zero notional", ErrMissingInput)
	}

	spot, err := spotFor(snap, attrs.Pair)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(measures))
	for _, m := range measures {
		switch m {
		case "PV":
			out["PV"] = attrs.Notional * (spot - attrs.Strike)
		case "FX_DELTA":
			bumped := spot * 1.01
			out["FX_DELTA"] = attrs.Notional*(bumped-attrs.Strike) - attrs.Notional*(spot-attrs.Strike)
		default:
			return nil, fmt.Errorf("%w: fx forward does not support measure %q", ErrMissingInput, m)
		}
	}
	return out, nil
}

func spotFor(snap domain.MarketPayload, pair string) (float64, error) {
	for _, s := range snap.FXSpots {
		if s.Pair == pair {
			return s.Rate, nil
		}
	}
	return 0, fmt.Errorf("%w: no fx spot for pair %q", ErrMissingInput, pair)
}
