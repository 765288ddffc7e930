package worker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"valuationd/internal/domain"
)

func TestSnapshotCache_PutGetMarket(t *testing.T) {
	c := newSnapshotCache(2)
	payload := domain.MarketPayload{FXSpots: []domain.FXSpot{{Pair: "EURUSD", Rate: 1.1}}}

	c.putMarket("snap-1", payload)
	out, ok := c.getMarket("snap-1")
	require.True(t, ok)
	require.Equal(t, payload, out)
}

func TestSnapshotCache_DecodedCopyIsIndependent(t *testing.T) {
	c := newSnapshotCache(2)
	payload := domain.MarketPayload{FXSpots: []domain.FXSpot{{Pair: "EURUSD", Rate: 1.1}}}
	c.putMarket("snap-1", payload)

	first, ok := c.getMarket("snap-1")
	require.True(t, ok)
	first.FXSpots[0].Rate = 999

	second, ok := c.getMarket("snap-1")
	require.True(t, ok)
	require.InDelta(t, 1.1, second.FXSpots[0].Rate, 1e-9)
}

func TestSnapshotCache_FIFOEviction(t *testing.T) {
	c := newSnapshotCache(2)
	c.putMarket("a", domain.MarketPayload{})
	c.putMarket("b", domain.MarketPayload{})
	c.putMarket("c", domain.MarketPayload{})

	_, ok := c.getMarket("a")
	require.False(t, ok, "oldest entry should be evicted")
	_, ok = c.getMarket("c")
	require.True(t, ok)
}

func TestSnapshotCache_PositionsRoundTrip(t *testing.T) {
	c := newSnapshotCache(4)
	positions := []domain.Position{{PositionID: "p1", ProductType: "FIXED_BOND"}}
	c.putPositions("ps-1", positions)

	out, ok := c.getPositions("ps-1")
	require.True(t, ok)
	require.Equal(t, positions, out)
}
