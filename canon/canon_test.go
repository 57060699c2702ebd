package canon

import (
	"testing"

	"github.com/forest-chain/forest-archive/forestindex"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

func mustCompactCID(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	digest, err := mh.Sum(data, CompactHashAlgo, CompactDigestLen)
	require.NoError(t, err)
	return cid.NewCidV1(CompactCodec, digest)
}

func mustFallbackCID(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	digest, err := mh.Sum(data, mh.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, digest)
}

func TestCanonicalizeRoundTripCompact(t *testing.T) {
	c := mustCompactCID(t, []byte("hello"))
	require.True(t, Eligible(c))

	canonical, err := Canonicalize(c)
	require.NoError(t, err)
	require.True(t, canonical.IsCompact())

	restored, err := canonical.Restore()
	require.NoError(t, err)
	require.True(t, c.Equals(restored))
}

func TestCanonicalizeRoundTripFallback(t *testing.T) {
	c := mustFallbackCID(t, []byte("hello"))
	require.False(t, Eligible(c))

	canonical, err := Canonicalize(c)
	require.NoError(t, err)
	require.False(t, canonical.IsCompact())

	restored, err := canonical.Restore()
	require.NoError(t, err)
	require.True(t, c.Equals(restored))
}

func TestCompactAndFallbackDisjoint(t *testing.T) {
	compact := mustCompactCID(t, []byte("a"))
	fallback := mustFallbackCID(t, []byte("b"))

	cc, err := Canonicalize(compact)
	require.NoError(t, err)
	fc, err := Canonicalize(fallback)
	require.NoError(t, err)

	require.True(t, cc.IsCompact())
	require.False(t, fc.IsCompact())
}

func TestBytesRoundTrip(t *testing.T) {
	for _, c := range []cid.Cid{
		mustCompactCID(t, []byte("x")),
		mustFallbackCID(t, []byte("y")),
	} {
		canonical, err := Canonicalize(c)
		require.NoError(t, err)

		encoded := canonical.Bytes()
		decoded, err := FromBytes(encoded)
		require.NoError(t, err)

		restored, err := decoded.Restore()
		require.NoError(t, err)
		require.True(t, c.Equals(restored))
	}
}

func TestMapDualTableDispatch(t *testing.T) {
	m := NewMap[string]()

	compact, err := Canonicalize(mustCompactCID(t, []byte("1")))
	require.NoError(t, err)
	fallback, err := Canonicalize(mustFallbackCID(t, []byte("2")))
	require.NoError(t, err)

	m.Set(compact, "compact-value")
	m.Set(fallback, "fallback-value")
	require.Equal(t, 2, m.Len())

	v, ok := m.Get(compact)
	require.True(t, ok)
	require.Equal(t, "compact-value", v)

	v, ok = m.Get(fallback)
	require.True(t, ok)
	require.Equal(t, "fallback-value", v)

	m.Delete(compact)
	require.Equal(t, 1, m.Len())
	require.False(t, m.Has(compact))
	require.True(t, m.Has(fallback))
}

func TestMapRangeOrderCompactFirst(t *testing.T) {
	m := NewMap[int]()
	fallback, err := Canonicalize(mustFallbackCID(t, []byte("only-fallback")))
	require.NoError(t, err)
	compact, err := Canonicalize(mustCompactCID(t, []byte("only-compact")))
	require.NoError(t, err)

	m.Set(fallback, 1)
	m.Set(compact, 2)

	var sawCompact, sawFallback bool
	var compactBeforeFallback bool
	order := 0
	m.Range(func(key Canonical, v int) bool {
		order++
		if key.IsCompact() {
			sawCompact = true
			if !sawFallback {
				compactBeforeFallback = true
			}
		} else {
			sawFallback = true
		}
		return true
	})
	require.True(t, sawCompact)
	require.True(t, sawFallback)
	require.True(t, compactBeforeFallback)
	require.Equal(t, 2, order)
}

func TestSummaryHashMatchesForestindexSummary(t *testing.T) {
	c := mustCompactCID(t, []byte("summary-me"))
	decoded, err := mh.Decode(c.Hash())
	require.NoError(t, err)

	got, err := SummaryHash(c)
	require.NoError(t, err)
	want := forestindex.Summary(decoded.Digest, uint64(c.Prefix().Codec), uint64(decoded.Code))
	require.Equal(t, want, got)
}

func TestSet(t *testing.T) {
	s := NewSet()
	c, err := Canonicalize(mustCompactCID(t, []byte("z")))
	require.NoError(t, err)

	require.False(t, s.Has(c))
	s.Add(c)
	require.True(t, s.Has(c))
	require.Equal(t, 1, s.Len())
	s.Remove(c)
	require.Equal(t, 0, s.Len())
}
