package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"valuationd/internal/domain"
)

func sampleRequest() domain.RunRequest {
	return domain.RunRequest{
		RunID:            "run-1",
		RunType:          domain.RunSandbox,
		AsOfTime:         time.Now(),
		MarketSnapshotID: "snap-1",
		PortfolioScope:   domain.PortfolioScope{NodeIDs: []string{"node-1"}},
		Measures:         []string{"PV"},
		Execution:        domain.Execution{HashMod: 4},
	}
}

func TestNormalize_PrependsImplicitBase(t *testing.T) {
	o := &Orchestrator{}
	out, err := o.normalize(sampleRequest())
	require.NoError(t, err)
	require.Len(t, out.Scenarios, 1)
	require.Equal(t, "BASE", out.Scenarios[0].ScenarioSetID)
}

func TestNormalize_DoesNotDuplicateExplicitBase(t *testing.T) {
	o := &Orchestrator{}
	req := sampleRequest()
	req.Scenarios = []domain.ScenarioRef{{ScenarioSetID: "RATES_PARALLEL_1BP"}, {ScenarioSetID: "BASE"}}

	out, err := o.normalize(req)
	require.NoError(t, err)
	require.Len(t, out.Scenarios, 2)
}

func TestNormalize_DoesNotMutateCaller(t *testing.T) {
	o := &Orchestrator{}
	req := sampleRequest()
	original := len(req.Scenarios)

	_, err := o.normalize(req)
	require.NoError(t, err)
	require.Equal(t, original, len(req.Scenarios))
}

func TestNormalize_GeneratesRunIDWhenMissing(t *testing.T) {
	o := &Orchestrator{}
	req := sampleRequest()
	req.RunID = ""
	out, err := o.normalize(req)
	require.NoError(t, err)
	require.NotEmpty(t, out.RunID)
}

func TestNormalize_RejectsUnknownRunType(t *testing.T) {
	o := &Orchestrator{}
	req := sampleRequest()
	req.RunType = "NOT_A_TYPE"
	_, err := o.normalize(req)
	require.ErrorIs(t, err, ErrValidation)
}

func TestNormalize_RejectsZeroHashMod(t *testing.T) {
	o := &Orchestrator{}
	req := sampleRequest()
	req.Execution.HashMod = 0
	_, err := o.normalize(req)
	require.ErrorIs(t, err, ErrValidation)
}

func TestNormalize_RejectsMalformedMeasureTag(t *testing.T) {
	o := &Orchestrator{}
	req := sampleRequest()
	req.Measures = []string{"pv"}
	_, err := o.normalize(req)
	require.ErrorIs(t, err, ErrValidation)
}

func TestNormalize_RejectsEmptyPortfolioScope(t *testing.T) {
	o := &Orchestrator{}
	req := sampleRequest()
	req.PortfolioScope.NodeIDs = nil
	_, err := o.normalize(req)
	require.ErrorIs(t, err, ErrValidation)
}

func TestProductTypesIn_SortedAndDeduped(t *testing.T) {
	positions := []domain.Position{
		{ProductType: "FX_FWD"},
		{ProductType: "FIXED_BOND"},
		{ProductType: "FX_FWD"},
	}
	require.Equal(t, []string{"FIXED_BOND", "FX_FWD"}, productTypesIn(positions))
}

func TestContains(t *testing.T) {
	require.True(t, contains([]string{"a", "b"}, "b"))
	require.False(t, contains([]string{"a", "b"}, "c"))
}
