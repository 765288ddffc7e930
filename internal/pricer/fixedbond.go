package pricer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"valuationd/internal/domain"
)

// FixedBondAttrs is the instrument.attributes shape a FIXED_BOND position
// and its instrument are expected to carry between them: Face, Coupon
// and Maturity come from the instrument; CurveID is optional and
// defaults to the snapshot's first non-spread curve.
type FixedBondAttrs struct {
	Face     float64 `json:"face"`
	Coupon   float64 `json:"coupon"`
	Maturity string  `json:"maturity"`
	CurveID  string  `json:"curve_id,omitempty"`
}

// FixedBondPricer prices a plain annual-coupon fixed rate bond by
// discounting its cashflows off a single curve. DV01 is a standard
// bump-and-reprice sensitivity: the curve used for discounting is
// shifted up by one basis point and the bond repriced against the
// shifted curve, independent of any run-level scenario.
type FixedBondPricer struct{}

func (FixedBondPricer) Version() string { return "fixedbond-v1" }

func (p FixedBondPricer) Price(_ context.Context, pos domain.Position, instr domain.Instrument, snap domain.MarketPayload, measures []string, _ string) (map[string]float64, error) {
	attrs, err := decodeFixedBondAttrs(instr, pos)
	if err != nil {
		return nil, err
	}

	maturityYears, err := tenorYears(attrs.Maturity)
	if err != nil {
		return nil, err
	}
	if maturityYears <= 0 {
		return nil, fmt.Errorf("%w: fixed bond maturity must be positive", ErrMissingInput)
	}

	curve, err := selectCurve(snap, attrs.CurveID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(measures))
	for _, m := range measures {
		switch m {
		case "PV":
			pv, err := fixedBondPV(curve, attrs, maturityYears, 0)
			if err != nil {
				return nil, err
			}
			out["PV"] = pv
		case "DV01":
			base, err := fixedBondPV(curve, attrs, maturityYears, 0)
			if err != nil {
				return nil, err
			}
			bumped, err := fixedBondPV(curve, attrs, maturityYears, 0.0001)
			if err != nil {
				return nil, err
			}
			out["DV01"] = bumped - base
		case "ACCRUED_INTEREST":
			out["ACCRUED_INTEREST"] = 0
		default:
			return nil, fmt.Errorf("%w: fixed bond does not support measure %q", ErrMissingInput, m)
		}
	}
	return out, nil
}

// fixedBondPV discounts annual coupon cashflows plus redemption of face
// at maturity, with an optional parallel shift (in rate units) applied
// to every node looked up on curve.
func fixedBondPV(curve domain.Curve, attrs FixedBondAttrs, maturityYears, shift float64) (float64, error) {
	wholeYears := int(math.Floor(maturityYears + 1e-9))
	if wholeYears < 1 {
		wholeYears = 1
	}

	pv := 0.0
	for y := 1; y <= wholeYears; y++ {
		t := float64(y)
		rate, err := rateAt(curve, t)
		if err != nil {
			return 0, err
		}
		rate += shift
		cf := attrs.Coupon * attrs.Face
		if y == wholeYears {
			cf += attrs.Face
		}
		pv += cf * discountFactor(rate, t)
	}
	return pv, nil
}

func decodeFixedBondAttrs(instr domain.Instrument, pos domain.Position) (FixedBondAttrs, error) {
	var attrs FixedBondAttrs
	if len(instr.Attributes) > 0 {
		if err := json.Unmarshal(instr.Attributes, &attrs); err != nil {
			return FixedBondAttrs{}, fmt.Errorf("pricer: decode instrument attributes: %w", err)
		}
	}
	// A position may override the curve to discount against (e.g. a
	// book-level funding curve distinct from the instrument's own).
	if len(pos.Attributes) > 0 {
		var posOverride struct {
			CurveID string `json:"curve_id,omitempty"`
		}
		if err := json.Unmarshal(pos.Attributes, &posOverride); err == nil && posOverride.CurveID != "" {
			attrs.CurveID = posOverride.CurveID
		}
	}
	if attrs.Face <= 0 {
		return FixedBondAttrs{}, fmt.Errorf("%w: fixed bond requires positive face", ErrMissingInput)
	}
	if attrs.Maturity == "" {
		return FixedBondAttrs{}, fmt.Errorf("%w: fixed bond requires maturity", ErrMissingInput)
	}
	return attrs, nil
}
