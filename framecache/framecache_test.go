package framecache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func blocks(totalBytes int) map[string][]byte {
	return map[string][]byte{"k": make([]byte, totalBytes-1)}
}

func TestPutGetRoundTrip(t *testing.T) {
	c, err := New(1024)
	require.NoError(t, err)

	key := Key{FrameOffset: 100, ArchiveID: "a"}
	c.Put(key, blocks(64))

	got, ok := c.Get(key)
	require.True(t, ok)
	require.Len(t, got, 1)
	require.Equal(t, int64(64), c.OccupiedBytes())
}

func TestSameFrameOffsetDifferentArchivesDoNotCollide(t *testing.T) {
	c, err := New(1024)
	require.NoError(t, err)

	a := Key{FrameOffset: 0, ArchiveID: "archive-a"}
	b := Key{FrameOffset: 0, ArchiveID: "archive-b"}

	c.Put(a, map[string][]byte{"x": []byte("from-a")})
	c.Put(b, map[string][]byte{"x": []byte("from-b")})

	gotA, ok := c.Get(a)
	require.True(t, ok)
	require.Equal(t, []byte("from-a"), gotA["x"])

	gotB, ok := c.Get(b)
	require.True(t, ok)
	require.Equal(t, []byte("from-b"), gotB["x"])
}

func TestOversizedEntryDropped(t *testing.T) {
	c, err := New(32)
	require.NoError(t, err)

	key := Key{FrameOffset: 1, ArchiveID: "a"}
	c.Put(key, blocks(1024))

	_, ok := c.Get(key)
	require.False(t, ok)
	require.Equal(t, int64(0), c.OccupiedBytes())
	require.Equal(t, 0, c.Len())
}

func TestEntryExactlyAtBudgetDropped(t *testing.T) {
	c, err := New(32)
	require.NoError(t, err)

	key := Key{FrameOffset: 1, ArchiveID: "a"}
	c.Put(key, blocks(32))

	_, ok := c.Get(key)
	require.False(t, ok)
	require.Equal(t, int64(0), c.OccupiedBytes())
	require.Equal(t, 0, c.Len())
}

func TestEvictsLeastRecentlyUsedUnderBudget(t *testing.T) {
	c, err := New(100)
	require.NoError(t, err)

	k1 := Key{FrameOffset: 1, ArchiveID: "a"}
	k2 := Key{FrameOffset: 2, ArchiveID: "a"}
	k3 := Key{FrameOffset: 3, ArchiveID: "a"}

	c.Put(k1, blocks(40))
	c.Put(k2, blocks(40))
	// touch k1 so k2 becomes the least recently used
	_, _ = c.Get(k1)
	c.Put(k3, blocks(40))

	_, ok1 := c.Get(k1)
	_, ok2 := c.Get(k2)
	_, ok3 := c.Get(k3)
	require.True(t, ok1)
	require.False(t, ok2)
	require.True(t, ok3)
	require.LessOrEqual(t, c.OccupiedBytes(), int64(100))
}

func TestRemoveArchiveDropsOnlyThatArchivesEntries(t *testing.T) {
	c, err := New(1024)
	require.NoError(t, err)

	a1 := Key{FrameOffset: 1, ArchiveID: "a"}
	a2 := Key{FrameOffset: 2, ArchiveID: "a"}
	b1 := Key{FrameOffset: 1, ArchiveID: "b"}

	c.Put(a1, blocks(8))
	c.Put(a2, blocks(8))
	c.Put(b1, blocks(8))

	c.RemoveArchive("a")

	_, ok := c.Get(a1)
	require.False(t, ok)
	_, ok = c.Get(a2)
	require.False(t, ok)
	_, ok = c.Get(b1)
	require.True(t, ok)
}

func TestReplacingSameKeyAccountsSizeCorrectly(t *testing.T) {
	c, err := New(1024)
	require.NoError(t, err)

	key := Key{FrameOffset: 5, ArchiveID: "a"}
	c.Put(key, blocks(40))
	c.Put(key, blocks(10))

	require.Equal(t, int64(10), c.OccupiedBytes())
}
