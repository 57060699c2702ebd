package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/forest-chain/forest-archive/canon"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

func blockCID(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	digest, err := mh.Sum(data, canon.CompactHashAlgo, canon.CompactDigestLen)
	require.NoError(t, err)
	return cid.NewCidV1(canon.CompactCodec, digest)
}

type sliceIterator struct {
	cids  []cid.Cid
	datas [][]byte
	i     int
}

func (s *sliceIterator) Next(ctx context.Context) (cid.Cid, []byte, bool, error) {
	if s.i >= len(s.cids) {
		return cid.Undef, nil, false, nil
	}
	c, d := s.cids[s.i], s.datas[s.i]
	s.i++
	return c, d, true, nil
}

func buildV1Archive(t *testing.T, dir, name string, tripwire int, blocks [][]byte) (string, []cid.Cid) {
	t.Helper()
	enc, err := NewEncoder(dir, name, EncodeOptions{Tripwire: tripwire})
	require.NoError(t, err)

	var cids []cid.Cid
	for _, b := range blocks {
		cids = append(cids, blockCID(t, b))
	}
	require.NoError(t, enc.Begin([]cid.Cid{cids[0]}))
	require.NoError(t, enc.Consume(context.Background(), &sliceIterator{cids: cids, datas: blocks}))
	path, err := enc.Finalize()
	require.NoError(t, err)
	return path, cids
}

func TestEncodeOpenGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	blocks := [][]byte{
		[]byte("block-one"),
		[]byte("block-two"),
		[]byte("block-three"),
	}
	path, cids := buildV1Archive(t, dir, "test", frame8K, blocks)
	require.Equal(t, filepath.Join(dir, "test"+FileSuffix), path)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	for i, c := range cids {
		data, err := r.Get(context.Background(), c)
		require.NoError(t, err)
		require.Equal(t, blocks[i], data)
	}

	missing := blockCID(t, []byte("never-added"))
	data, err := r.Get(context.Background(), missing)
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestEncodeOpenSmallTripwireMultipleFrames(t *testing.T) {
	dir := t.TempDir()
	blocks := [][]byte{
		[]byte("aaaaaaaaaaaaaaaaaaaa"),
		[]byte("bbbbbbbbbbbbbbbbbbbb"),
		[]byte("cccccccccccccccccccc"),
	}
	// tripwire of 1 byte forces a fresh frame per block.
	path, cids := buildV1Archive(t, dir, "tiny", 1, blocks)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	require.True(t, len(r.frameBounds) >= len(blocks))

	for i, c := range cids {
		data, err := r.Get(context.Background(), c)
		require.NoError(t, err)
		require.Equal(t, blocks[i], data)
	}
}

func TestHeaviestTipsetV1(t *testing.T) {
	dir := t.TempDir()
	blocks := [][]byte{[]byte("only-block")}
	path, cids := buildV1Archive(t, dir, "v1", frame8K, blocks)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	ts, err := r.HeaviestTipset(context.Background())
	require.NoError(t, err)
	require.Equal(t, TipsetKey(cids), ts)
}

func TestHeaviestTipsetV2Metadata(t *testing.T) {
	dir := t.TempDir()
	enc, err := NewEncoder(dir, "v2", EncodeOptions{Tripwire: frame8K})
	require.NoError(t, err)

	head := []cid.Cid{blockCID(t, []byte("tipset-block-a")), blockCID(t, []byte("tipset-block-b"))}
	f3 := []byte("f3-sidecar-payload")
	require.NoError(t, enc.BeginV2(head, f3))

	chainBlocks := [][]byte{[]byte("chain-one"), []byte("chain-two")}
	var chainCIDs []cid.Cid
	for _, b := range chainBlocks {
		chainCIDs = append(chainCIDs, blockCID(t, b))
	}
	require.NoError(t, enc.Consume(context.Background(), &sliceIterator{cids: chainCIDs, datas: chainBlocks}))
	path, err := enc.Finalize()
	require.NoError(t, err)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	ts, err := r.HeaviestTipset(context.Background())
	require.NoError(t, err)
	require.Equal(t, TipsetKey(head), ts)

	meta, err := r.Metadata(context.Background())
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.Equal(t, uint64(2), meta.Version)
	require.NotNil(t, meta.F3Data)

	f3Reader, err := r.GetReader(context.Background(), *meta.F3Data)
	require.NoError(t, err)
	defer f3Reader.Close()
	f3Data := make([]byte, len(f3))
	_, err = io.ReadFull(f3Reader, f3Data)
	require.NoError(t, err)
	require.Equal(t, f3, f3Data)

	for i, c := range chainCIDs {
		data, err := r.Get(context.Background(), c)
		require.NoError(t, err)
		require.Equal(t, chainBlocks[i], data)
	}
}

func TestValidateDetectsNoDefectsOnCleanArchive(t *testing.T) {
	dir := t.TempDir()
	blocks := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	path, _ := buildV1Archive(t, dir, "clean", frame8K, blocks)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	report, err := r.Validate(context.Background())
	require.NoError(t, err)
	require.True(t, report.Valid())
	require.Equal(t, len(blocks), report.RecordsValidated)
}

func TestIsValidStructure(t *testing.T) {
	dir := t.TempDir()
	path, _ := buildV1Archive(t, dir, "valid", frame8K, [][]byte{[]byte("x")})
	require.True(t, IsValidStructure(path))

	bogus := filepath.Join(dir, "bogus.forest.car.zst")
	require.NoError(t, os.WriteFile(bogus, []byte("not an archive"), 0o644))
	require.False(t, IsValidStructure(bogus))
}

// identityCID wraps data in an identity-multihash CID, so the block is
// genuinely valid (digest == data) while its digest bytes are fully under
// the test's control.
func identityCID(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	digest, err := mh.Sum(data, mh.IDENTITY, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, digest)
}

func TestCollidingSummariesBothResolvable(t *testing.T) {
	dir := t.TempDir()

	// The summary hash folds the digest into 8-byte chunks and XORs them,
	// so swapping two 8-byte halves yields a distinct CID with an
	// identical 64-bit summary.
	x := []byte("aaaaaaaa")
	y := []byte("bbbbbbbb")
	dataA := append(append([]byte{}, x...), y...)
	dataB := append(append([]byte{}, y...), x...)
	cidA := identityCID(t, dataA)
	cidB := identityCID(t, dataB)
	require.False(t, cidA.Equals(cidB))

	hashA, err := canon.SummaryHash(cidA)
	require.NoError(t, err)
	hashB, err := canon.SummaryHash(cidB)
	require.NoError(t, err)
	require.Equal(t, hashA, hashB)

	// Tripwire of 1 finalizes a frame per record, so each block lands at
	// its own offset and the index must carry two candidates per query.
	enc, err := NewEncoder(dir, "collide", EncodeOptions{Tripwire: 1})
	require.NoError(t, err)
	require.NoError(t, enc.Begin([]cid.Cid{cidA}))
	require.NoError(t, enc.AddBlock(cidA, dataA))
	require.NoError(t, enc.AddBlock(cidB, dataB))
	path, err := enc.Finalize()
	require.NoError(t, err)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	for _, c := range []cid.Cid{cidA, cidB} {
		candidates, err := r.CandidateOffsets(c)
		require.NoError(t, err)
		require.Len(t, candidates, 2)
	}

	got, err := r.Get(context.Background(), cidA)
	require.NoError(t, err)
	require.Equal(t, dataA, got)
	got, err = r.Get(context.Background(), cidB)
	require.NoError(t, err)
	require.Equal(t, dataB, got)
}

func TestEmptyBlockStreamProducesValidArchive(t *testing.T) {
	dir := t.TempDir()
	root := blockCID(t, []byte("root-naming-only"))

	enc, err := NewEncoder(dir, "empty", EncodeOptions{})
	require.NoError(t, err)
	require.NoError(t, enc.Begin([]cid.Cid{root}))
	path, err := enc.Finalize()
	require.NoError(t, err)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, []cid.Cid{root}, r.Roots())

	data, err := r.Get(context.Background(), root)
	require.NoError(t, err)
	require.Nil(t, data)

	report, err := r.Validate(context.Background())
	require.NoError(t, err)
	require.True(t, report.Valid())
	require.Equal(t, 0, report.RecordsValidated)
}

func TestOpenBytesInMemoryArchive(t *testing.T) {
	dir := t.TempDir()
	blocks := [][]byte{[]byte("memory-one"), []byte("memory-two")}
	path, cids := buildV1Archive(t, dir, "mem", frame8K, blocks)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	r, err := OpenBytes("in-memory", raw)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, "in-memory", r.Path())
	for i, c := range cids {
		data, err := r.Get(context.Background(), c)
		require.NoError(t, err)
		require.Equal(t, blocks[i], data)
	}
}

const frame8K = 8 * 1024
