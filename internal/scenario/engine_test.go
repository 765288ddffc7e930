package scenario_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"valuationd/internal/domain"
	"valuationd/internal/hash"
	"valuationd/internal/scenario"
)

func sampleSnapshot() domain.MarketPayload {
	return domain.MarketPayload{
		Curves: []domain.Curve{
			{ID: "USD-OIS", Nodes: []domain.CurveNode{{Tenor: "1Y", Rate: 0.05}, {Tenor: "5Y", Rate: 0.05}}},
			{ID: "USD-SPREAD-CORP", Nodes: []domain.CurveNode{{Tenor: "5Y", Rate: 0.01}}},
		},
		FXSpots: []domain.FXSpot{{Pair: "EURUSD", Rate: 1.10}},
	}
}

func TestApply_BaseIsStructurallyEqual(t *testing.T) {
	e := scenario.New()
	snap := sampleSnapshot()

	out, err := e.Apply(snap, "BASE")
	require.NoError(t, err)
	require.Equal(t, snap, out)
}

func TestApply_RatesParallel1bp(t *testing.T) {
	e := scenario.New()
	snap := sampleSnapshot()

	out, err := e.Apply(snap, "RATES_PARALLEL_1BP")
	require.NoError(t, err)

	for i, c := range out.Curves {
		for j, n := range c.Nodes {
			require.InDelta(t, snap.Curves[i].Nodes[j].Rate+0.0001, n.Rate, 1e-12)
		}
	}
}

func TestApply_Spread25bp_OnlySpreadCurves(t *testing.T) {
	e := scenario.New()
	snap := sampleSnapshot()

	out, err := e.Apply(snap, "SPREAD_25BP")
	require.NoError(t, err)

	require.InDelta(t, 0.05, out.Curves[0].Nodes[0].Rate, 1e-12) // USD-OIS untouched
	require.InDelta(t, 0.0125, out.Curves[1].Nodes[0].Rate, 1e-12) // spread curve shocked
}

func TestApply_FXSpot1pct(t *testing.T) {
	e := scenario.New()
	snap := sampleSnapshot()

	out, err := e.Apply(snap, "FX_SPOT_1PCT")
	require.NoError(t, err)
	require.InDelta(t, 1.10*1.01, out.FXSpots[0].Rate, 1e-9)
}

func TestApply_UnknownScenario(t *testing.T) {
	e := scenario.New()
	_, err := e.Apply(sampleSnapshot(), "NOT_A_SCENARIO")
	require.ErrorIs(t, err, scenario.ErrInvalidScenario)
}

func TestApply_DoesNotMutateBase(t *testing.T) {
	e := scenario.New()
	snap := sampleSnapshot()
	beforeHash, err := hash.Hash(snap)
	require.NoError(t, err)

	_, err = e.Apply(snap, "RATES_PARALLEL_1BP")
	require.NoError(t, err)
	_, err = e.Apply(snap, "FX_SPOT_1PCT")
	require.NoError(t, err)

	afterHash, err := hash.Hash(snap)
	require.NoError(t, err)
	require.Equal(t, beforeHash, afterHash)
}

func TestRegister_Conflict(t *testing.T) {
	e := scenario.New()
	err := e.Register("BASE", func(b domain.MarketPayload) domain.MarketPayload { return b })
	require.ErrorIs(t, err, scenario.ErrConflict)
}

func TestList_Sorted(t *testing.T) {
	e := scenario.New()
	ids := e.List()
	require.Equal(t, []string{"BASE", "FX_SPOT_1PCT", "RATES_PARALLEL_1BP", "SPREAD_25BP"}, ids)
}
