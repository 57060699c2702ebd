package forestindex

import (
	"bytes"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

type readerAt struct{ b []byte }

func (r readerAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.b)) {
		return 0, io.EOF
	}
	n := copy(p, r.b[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func TestEmptyIndex(t *testing.T) {
	b := NewBuilder()
	out := b.Build()
	require.NoError(t, VerifyInvariants(out))

	idx, err := Open(readerAt{out}, int64(len(out)))
	require.NoError(t, err)
	require.Equal(t, uint64(0), idx.Header().InitialWidth)
	require.Equal(t, uint64(0), idx.Header().LongestDistance)

	candidates, err := idx.Lookup(42)
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestSingleEntryZeroDistance(t *testing.T) {
	b := NewBuilder()
	b.Add(100, 5000)
	out := b.Build()
	require.NoError(t, VerifyInvariants(out))

	idx, err := Open(readerAt{out}, int64(len(out)))
	require.NoError(t, err)

	candidates, err := idx.Lookup(100)
	require.NoError(t, err)
	require.Equal(t, []uint64{5000}, candidates)

	candidates, err = idx.Lookup(101)
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestManyEntriesRoundTrip(t *testing.T) {
	b := NewBuilder()
	want := map[uint64]uint64{}
	for i := uint64(0); i < 500; i++ {
		hash := i*2654435761 + 7
		if hash == math.MaxUint64 {
			hash--
		}
		offset := i * 97
		b.Add(hash, offset)
		want[hash] = offset
	}
	out := b.Build()
	require.NoError(t, VerifyInvariants(out))

	idx, err := Open(readerAt{out}, int64(len(out)))
	require.NoError(t, err)

	for hash, offset := range want {
		candidates, err := idx.Lookup(hash)
		require.NoError(t, err)
		require.Contains(t, candidates, offset)
	}

	// absent keys must resolve to no candidates without walking past D+1 slots.
	candidates, err := idx.Lookup(0xdeadbeef)
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestSummaryCollision(t *testing.T) {
	// Two different digests engineered to fold to the same summary.
	digestA := bytes.Repeat([]byte{0x01}, 32)
	digestB := make([]byte, 32)
	copy(digestB, digestA)
	digestB[31] ^= 0xFF
	digestB[23] ^= 0xFF // flip the same bit position in the adjacent 8-byte chunk so the XOR fold still matches

	hashA := Summary(digestA, 0x71, 0xb220)
	hashB := Summary(digestB, 0x71, 0xb220)
	require.Equal(t, hashA, hashB)

	b := NewBuilder()
	b.Add(hashA, 10)
	b.Add(hashB, 20)
	out := b.Build()
	require.NoError(t, VerifyInvariants(out))

	idx, err := Open(readerAt{out}, int64(len(out)))
	require.NoError(t, err)

	candidates, err := idx.Lookup(hashA)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{10, 20}, candidates)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	b := NewBuilder()
	b.Add(1, 2)
	out := b.Build()
	out[0] ^= 0xFF
	_, err := Open(readerAt{out}, int64(len(out)))
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestOpenRejectsTruncated(t *testing.T) {
	b := NewBuilder()
	b.Add(1, 2)
	out := b.Build()
	_, err := Open(readerAt{out[:len(out)-1]}, int64(len(out)-1))
	require.ErrorIs(t, err, ErrTruncated)
}

func TestSummaryAvoidsSentinel(t *testing.T) {
	digest := make([]byte, 8)
	for i := range digest {
		digest[i] = 0xFF
	}
	hash := Summary(digest, 0, 0)
	require.NotEqual(t, uint64(math.MaxUint64), hash)
}
