package hash_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"valuationd/internal/hash"
)

func TestHash_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"y": 1, "x": 2}}
	b := map[string]any{"c": map[string]any{"x": 2, "y": 1}, "a": 2, "b": 1}

	ha, err := hash.Hash(a)
	require.NoError(t, err)
	hb, err := hash.Hash(b)
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}

func TestHash_ArrayOrderPreserved(t *testing.T) {
	a := []int{1, 2, 3}
	b := []int{3, 2, 1}

	ha, err := hash.Hash(a)
	require.NoError(t, err)
	hb, err := hash.Hash(b)
	require.NoError(t, err)
	require.NotEqual(t, ha, hb)
}

func TestHash_RejectsNonFiniteFloats(t *testing.T) {
	_, err := hash.Hash(map[string]any{"rate": math.Inf(1)})
	require.Error(t, err)

	_, err = hash.Hash(map[string]any{"rate": math.NaN()})
	require.Error(t, err)
}

func TestHash_Deterministic(t *testing.T) {
	v := struct {
		Tenor string  `json:"tenor"`
		Rate  float64 `json:"rate"`
	}{Tenor: "5Y", Rate: 0.05}

	h1, err := hash.Hash(v)
	require.NoError(t, err)
	h2, err := hash.Hash(v)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestCombine_PreservesOrder(t *testing.T) {
	h1, err := hash.Combine("a", "b", "c")
	require.NoError(t, err)
	h2, err := hash.Combine("c", "b", "a")
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	h3, err := hash.Combine("a", "b", "c")
	require.NoError(t, err)
	require.Equal(t, h1, h3)
}

func TestBucket_StableAndInRange(t *testing.T) {
	const hashMod = 4
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		id := "p-" + string(rune('a'+i%26)) + string(rune('0'+i%10))
		b := hash.Bucket(id, hashMod)
		require.GreaterOrEqual(t, b, 0)
		require.Less(t, b, hashMod)
		seen[b] = true

		// stability: same id, same bucket, every time.
		require.Equal(t, b, hash.Bucket(id, hashMod))
	}
}

func TestBucket_HashModOne(t *testing.T) {
	require.Equal(t, 0, hash.Bucket("anything", 1))
	require.Equal(t, 0, hash.Bucket("anything", 0))
}
