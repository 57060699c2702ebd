package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/forest-chain/forest-archive/archive"

	"github.com/ipfs/go-cid"
	carv2 "github.com/ipld/go-car/v2"
	"github.com/stretchr/testify/require"
)

// buildCARv2 wraps a plain CARv1 body in the CARv2 pragma + header frame,
// producing the minimal (index-less) v2 layout carv2.OpenReader accepts.
func buildCARv2(t *testing.T, path string, blocks [][]byte) []cid.Cid {
	t.Helper()
	innerPath := path + ".inner"
	cids := buildPlainCARv1(t, innerPath, blocks)
	inner, err := os.ReadFile(innerPath)
	require.NoError(t, err)
	require.NoError(t, os.Remove(innerPath))

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write(carv2.Pragma)
	require.NoError(t, err)
	header := carv2.NewHeader(uint64(len(inner)))
	_, err = header.WriteTo(f)
	require.NoError(t, err)
	_, err = f.Write(inner)
	require.NoError(t, err)
	return cids
}

func TestDetectFormat(t *testing.T) {
	dir := t.TempDir()

	forestPath, _ := func() (string, []cid.Cid) {
		blocks := [][]byte{[]byte("forest-block")}
		var cids []cid.Cid
		for _, b := range blocks {
			cids = append(cids, blockCIDNoT(b))
		}
		enc, err := archive.NewEncoder(dir, "forest", archive.EncodeOptions{})
		require.NoError(t, err)
		require.NoError(t, enc.Begin([]cid.Cid{cids[0]}))
		require.NoError(t, enc.Consume(context.Background(), &sliceIterator{cids: cids, datas: blocks}))
		path, err := enc.Finalize()
		require.NoError(t, err)
		return path, cids
	}()

	carv1Path := filepath.Join(dir, "plain.car")
	buildPlainCARv1(t, carv1Path, [][]byte{[]byte("v1-block")})

	carv2Path := filepath.Join(dir, "plain.v2.car")
	buildCARv2(t, carv2Path, [][]byte{[]byte("v2-block")})

	junkPath := filepath.Join(dir, "junk.bin")
	require.NoError(t, os.WriteFile(junkPath, []byte("not a car at all"), 0o644))

	cases := []struct {
		path string
		want Format
	}{
		{forestPath, FormatForest},
		{carv1Path, FormatCARv1},
		{carv2Path, FormatCARv2},
		{junkPath, FormatUnknown},
	}
	for _, tc := range cases {
		got, err := DetectFormat(tc.path)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "path %s", tc.path)
	}

	_, err := DetectFormat(filepath.Join(dir, "does-not-exist"))
	require.Error(t, err)
}

func TestImportTranscodesCARv2(t *testing.T) {
	dir := t.TempDir()
	blocks := [][]byte{[]byte("wrapped-one"), []byte("wrapped-two")}
	srcPath := filepath.Join(dir, "snapshot.v2.car")
	cids := buildCARv2(t, srcPath, blocks)

	archivesDir := filepath.Join(dir, "archives")
	result, err := Import(context.Background(), srcPath, archivesDir, ImportOptions{})
	require.NoError(t, err)

	r, err := archive.Open(result.Path)
	require.NoError(t, err)
	defer r.Close()
	for i, c := range cids {
		data, err := r.Get(context.Background(), c)
		require.NoError(t, err)
		require.Equal(t, blocks[i], data)
	}
}

func TestImportRejectsUnrecognizedInput(t *testing.T) {
	dir := t.TempDir()
	junkPath := filepath.Join(dir, "junk.bin")
	require.NoError(t, os.WriteFile(junkPath, []byte("garbage"), 0o644))

	archivesDir := filepath.Join(dir, "archives")
	_, err := Import(context.Background(), junkPath, archivesDir, ImportOptions{})
	require.Error(t, err)

	entries, globErr := filepath.Glob(filepath.Join(archivesDir, "*"))
	require.NoError(t, globErr)
	require.Empty(t, entries)
}
