package worker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"valuationd/internal/domain"
)

func TestResolveInstrument_UsesEmbedded(t *testing.T) {
	pos := domain.Position{
		PositionID: "p1",
		Instrument: &domain.Instrument{InstrumentID: "i1", Attributes: json.RawMessage(`{"face":100}`)},
	}
	instr, err := resolveInstrument(pos)
	require.NoError(t, err)
	require.Equal(t, "i1", instr.InstrumentID)
}

func TestResolveInstrument_MissingInstrumentIsDiagnostic(t *testing.T) {
	pos := domain.Position{PositionID: "p1"}
	_, err := resolveInstrument(pos)
	require.ErrorIs(t, err, errMissingInstrument)
}
