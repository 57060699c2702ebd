package columnstore

import (
	"context"
	"testing"

	"github.com/forest-chain/forest-archive/canon"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

func compactCID(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	digest, err := mh.Sum(data, canon.CompactHashAlgo, canon.CompactDigestLen)
	require.NoError(t, err)
	return cid.NewCidV1(canon.CompactCodec, digest)
}

func fallbackCID(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	digest, err := mh.Sum(data, mh.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, digest)
}

func TestPutGetRoutesByCanonicalForm(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	compact := compactCID(t, []byte("compact-block"))
	fallback := fallbackCID(t, []byte("fallback-block"))

	require.NoError(t, s.Put(ctx, compact, []byte("compact-block")))
	require.NoError(t, s.Put(ctx, fallback, []byte("fallback-block")))

	require.True(t, s.compact.has(compact))
	require.False(t, s.full.has(compact))
	require.True(t, s.full.has(fallback))
	require.False(t, s.compact.has(fallback))

	data, ok, err := s.Get(ctx, compact)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("compact-block"), data)

	data, ok, err = s.Get(ctx, fallback)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("fallback-block"), data)
}

func TestGetFallsBackToPersistentOnMiss(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	c := compactCID(t, []byte("persistent-only"))
	require.NoError(t, s.PutPersistent(ctx, c, []byte("persistent-only")))

	require.False(t, s.compact.has(c))
	require.True(t, s.Has(ctx, c))

	data, ok, err := s.Get(ctx, c)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("persistent-only"), data)
}

func TestDeleteRemovesGraphBlockButNotPersistent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	c := compactCID(t, []byte("short-lived"))
	require.NoError(t, s.Put(ctx, c, []byte("short-lived")))
	require.True(t, s.Has(ctx, c))

	s.Delete(ctx, c)
	require.False(t, s.Has(ctx, c))

	// A block also present in the persistent column stays resolvable
	// through the fallback path after a graph-column delete.
	p := compactCID(t, []byte("pinned"))
	require.NoError(t, s.Put(ctx, p, []byte("pinned")))
	require.NoError(t, s.PutPersistent(ctx, p, []byte("pinned")))
	s.Delete(ctx, p)
	data, ok, err := s.Get(ctx, p)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("pinned"), data)
}

func TestSettingsAndEthMappingsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteSetting("head_tipset_key", []byte("abc")))
	data, ok, err := s.ReadSetting("head_tipset_key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("abc"), data)

	require.NoError(t, s.WriteEthMapping("eth-hash", []byte("opaque")))
	data, ok, err = s.ReadEthMapping("eth-hash")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("opaque"), data)
}

func TestReplayRebuildsIndexAfterReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	ctx := context.Background()
	c := compactCID(t, []byte("survives-restart"))
	require.NoError(t, s.Put(ctx, c, []byte("survives-restart")))
	require.NoError(t, s.WriteSetting("k", []byte("v")))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	data, ok, err := s2.Get(ctx, c)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("survives-restart"), data)

	val, ok, err := s2.ReadSetting("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), val)
}

func TestSubscribeWriteOpsDeliversInCommitOrder(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, WithBroadcastBuffer(8))
	require.NoError(t, err)
	defer s.Close()

	ch := s.SubscribeWriteOps()
	ctx := context.Background()

	c1 := compactCID(t, []byte("one"))
	c2 := compactCID(t, []byte("two"))
	require.NoError(t, s.Put(ctx, c1, []byte("one")))
	require.NoError(t, s.Put(ctx, c2, []byte("two")))

	op1 := <-ch
	op2 := <-ch
	require.Equal(t, c1, op1.CID)
	require.Equal(t, c2, op2.CID)
}

func TestPublishingWithNoSubscriberIsNoop(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	c := compactCID(t, []byte("no-subscriber"))
	require.NoError(t, s.Put(context.Background(), c, []byte("no-subscriber")))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	ch := s.SubscribeWriteOps()
	s.Unsubscribe(ch)
	_, ok := <-ch
	require.False(t, ok)
}

func TestResetClearsGraphColumnsButKeepsPersistent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	graphBlock := compactCID(t, []byte("graph"))
	persistentBlock := compactCID(t, []byte("persistent"))
	require.NoError(t, s.Put(ctx, graphBlock, []byte("graph")))
	require.NoError(t, s.PutPersistent(ctx, persistentBlock, []byte("persistent")))

	require.NoError(t, s.Reset())

	ok := s.Has(ctx, graphBlock)
	require.False(t, ok)
	ok = s.Has(ctx, persistentBlock)
	require.True(t, ok)
}
