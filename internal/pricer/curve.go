package pricer

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/interp"

	"valuationd/internal/domain"
)

// tenorYears parses a tenor string like "5Y", "18M", "1W" into a year
// fraction. Unrecognized suffixes are a MissingInput-class error.
func tenorYears(tenor string) (float64, error) {
	tenor = strings.TrimSpace(strings.ToUpper(tenor))
	if tenor == "" {
		return 0, fmt.Errorf("%w: empty tenor", ErrMissingInput)
	}
	unit := tenor[len(tenor)-1]
	qtyStr := tenor[:len(tenor)-1]
	qty, err := strconv.ParseFloat(qtyStr, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid tenor %q", ErrMissingInput, tenor)
	}
	switch unit {
	case 'Y':
		return qty, nil
	case 'M':
		return qty / 12.0, nil
	case 'W':
		return qty / 52.0, nil
	case 'D':
		return qty / 365.0, nil
	default:
		return 0, fmt.Errorf("%w: unrecognized tenor unit %q", ErrMissingInput, tenor)
	}
}

// selectCurve finds the curve to discount against: curveID if given and
// present, else the first non-spread curve in the snapshot.
func selectCurve(snap domain.MarketPayload, curveID string) (domain.Curve, error) {
	if curveID != "" {
		for _, c := range snap.Curves {
			if c.ID == curveID {
				return c, nil
			}
		}
		return domain.Curve{}, fmt.Errorf("%w: curve %q not found", ErrMissingInput, curveID)
	}
	for _, c := range snap.Curves {
		if !strings.Contains(strings.ToUpper(c.ID), "SPREAD") {
			return c, nil
		}
	}
	if len(snap.Curves) > 0 {
		return snap.Curves[0], nil
	}
	return domain.Curve{}, fmt.Errorf("%w: no curves in snapshot", ErrMissingInput)
}

// rateAt interpolates a curve's rate at a given tenor (in years) using
// piecewise-linear interpolation; a curve with a single node is treated
// as flat at that node's rate.
func rateAt(c domain.Curve, years float64) (float64, error) {
	if len(c.Nodes) == 0 {
		return 0, fmt.Errorf("%w: curve %q has no nodes", ErrMissingInput, c.ID)
	}
	if len(c.Nodes) == 1 {
		return c.Nodes[0].Rate, nil
	}

	type point struct {
		x, y float64
	}
	pts := make([]point, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		y, err := tenorYears(n.Tenor)
		if err != nil {
			return 0, err
		}
		pts = append(pts, point{x: y, y: n.Rate})
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].x < pts[j].x })

	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, p := range pts {
		xs[i] = p.x
		ys[i] = p.y
	}

	if years <= xs[0] {
		return ys[0], nil
	}
	if years >= xs[len(xs)-1] {
		return ys[len(ys)-1], nil
	}

	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return 0, fmt.Errorf("pricer: curve fit: %w", err)
	}
	return pl.Predict(years), nil
}

// discountFactor returns 1/(1+r)^t for annually-compounded rate r at t years.
func discountFactor(rate, years float64) float64 {
	base := 1 + rate
	if base <= 0 {
		base = 1e-9
	}
	return 1.0 / math.Pow(base, years)
}
