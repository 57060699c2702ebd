// Package blockstore implements the layered store: a stack of immutable
// read-only archives plus one writable backend, presented as a single
// logical content-addressed store with a shared frame cache and a fixed
// read/write precedence order. Reads probe the archives in load order and
// fall through to the writable backend; all writes go to the writable
// backend.
package blockstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/forest-chain/forest-archive/archive"
	"github.com/forest-chain/forest-archive/columnstore"
	"github.com/forest-chain/forest-archive/framecache"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("blockstore")

func init() {
	cbor.RegisterCborType(headTipsetRecord{})
}

// settingsKeyHeadTipset is the Settings-column key the writable-only case
// reads its head tipset pointer from.
const settingsKeyHeadTipset = "head_tipset_key"

// headTipsetRecord is the CBOR shape stored under settingsKeyHeadTipset,
// encoded the same way archive.MetadataV2 is (github.com/ipfs/go-ipld-cbor).
type headTipsetRecord struct {
	Cids []cid.Cid `json:"cids"`
}

// Store is the layered blockstore: N read-only archives, opened in load
// order, plus exactly one writable backend. All mutation is forwarded to
// the writable backend — read-only archives are never written to, which
// is enforced simply by Store never calling anything but read methods on
// an archive.Reader.
type Store struct {
	mu       sync.RWMutex
	readOnly []*archive.Reader
	writable *columnstore.Store
	cache    *framecache.Cache
}

// New composes a layered store over an already-open writable backend and
// frame cache. Archives are added afterward with AddArchive or LoadArchives.
func New(writable *columnstore.Store, cache *framecache.Cache) *Store {
	return &Store{writable: writable, cache: cache}
}

// LoadArchives scans dir for *.forest.car.zst files, removing any leftover
// .forest.car.zst.tmp sibling from an interrupted export, and opens each
// surviving archive with memory-mapped I/O. Files are opened in sorted
// filename order, which this store treats as load order — archive naming
// (by convention, a timestamp or monotonic export counter) is expected to
// sort oldest-first, newest-last.
func LoadArchives(dir string) ([]*archive.Reader, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("blockstore: read dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case len(name) > len(archive.TempSuffix) && name[len(name)-len(archive.TempSuffix):] == archive.TempSuffix:
			path := filepath.Join(dir, name)
			log.Infof("blockstore: removing leftover temp archive %s", path)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("blockstore: remove leftover temp %s: %w", path, err)
			}
		case len(name) > len(archive.FileSuffix) && name[len(name)-len(archive.FileSuffix):] == archive.FileSuffix:
			names = append(names, name)
		}
	}
	sort.Strings(names)

	readers := make([]*archive.Reader, 0, len(names))
	for _, name := range names {
		r, err := archive.Open(filepath.Join(dir, name))
		if err != nil {
			for _, opened := range readers {
				opened.Close()
			}
			return nil, fmt.Errorf("blockstore: open %s: %w", name, err)
		}
		readers = append(readers, r)
	}
	return readers, nil
}

// AddArchive registers a newly-opened read-only archive at the end of the
// load order.
func (s *Store) AddArchive(r *archive.Reader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOnly = append(s.readOnly, r)
}

// RemoveArchive closes and unregisters an archive, and evicts its cached
// frames so a future archive reusing the same offsets never sees stale
// entries. Used by GC's destructive swap.
func (s *Store) RemoveArchive(r *archive.Reader) error {
	s.mu.Lock()
	for i, existing := range s.readOnly {
		if existing == r {
			s.readOnly = append(s.readOnly[:i], s.readOnly[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if s.cache != nil {
		s.cache.RemoveArchive(r.ArchiveID())
	}
	return r.Close()
}

func (s *Store) archives() []*archive.Reader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*archive.Reader, len(s.readOnly))
	copy(out, s.readOnly)
	return out
}

// decodeFrame is DecodeFrameAt wrapped with cache lookup, the shared hit
// path for Get/Has across every read-only archive.
func (s *Store) decodeFrame(r *archive.Reader, offset uint64) (map[string][]byte, error) {
	key := framecache.Key{FrameOffset: offset, ArchiveID: r.ArchiveID()}
	if blocks, ok := s.cache.Get(key); ok {
		return blocks, nil
	}
	blocks, err := r.DecodeFrameAt(offset)
	if err != nil {
		return nil, err
	}
	s.cache.Put(key, blocks)
	return blocks, nil
}

// Get resolves a block: read-only archives in insertion order, then the
// writable backend's graph columns, then its persistent column.
func (s *Store) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := c.KeyString()
	for _, r := range s.archives() {
		candidates, err := r.CandidateOffsets(c)
		if err != nil {
			return nil, err
		}
		for _, off := range candidates {
			blocks, err := s.decodeFrame(r, off)
			if err != nil {
				return nil, err
			}
			if data, ok := blocks[key]; ok {
				return data, nil
			}
		}
	}
	data, ok, err := s.writable.Get(ctx, c)
	if err != nil || ok {
		return data, err
	}
	return nil, nil
}

// Has reports presence without materializing block bytes beyond what
// decoding a candidate frame requires.
func (s *Store) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := c.KeyString()
	for _, r := range s.archives() {
		candidates, err := r.CandidateOffsets(c)
		if err != nil {
			return false, err
		}
		for _, off := range candidates {
			blocks, err := s.decodeFrame(r, off)
			if err != nil {
				return false, err
			}
			if _, ok := blocks[key]; ok {
				return true, nil
			}
		}
	}
	return s.writable.Has(ctx, c), nil
}

// GetReader streams a block's bytes without materializing its whole
// frame's sibling records, falling back through the same precedence order
// as Get.
func (s *Store) GetReader(ctx context.Context, c cid.Cid) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, r := range s.archives() {
		rdr, err := r.GetReader(ctx, c)
		if err != nil {
			return nil, err
		}
		if rdr != nil {
			return rdr, nil
		}
	}
	data, ok, err := s.writable.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Put writes a block to the writable backend's graph columns. Read-only
// archives never receive writes; archive.Reader exposes no write method
// at all, so routing a put to one is a compile-time impossibility rather
// than a runtime check.
func (s *Store) Put(ctx context.Context, c cid.Cid, data []byte) error {
	return s.writable.Put(ctx, c, data)
}

// PutPersistent writes a block to the writable backend's GC-exempt column.
func (s *Store) PutPersistent(ctx context.Context, c cid.Cid, data []byte) error {
	return s.writable.PutPersistent(ctx, c, data)
}

// SubscribeWriteOps exposes the writable backend's broadcast channel
// directly; GC uses it to capture writes issued during an export.
func (s *Store) SubscribeWriteOps() <-chan columnstore.WriteOp {
	return s.writable.SubscribeWriteOps()
}

// Unsubscribe removes a channel registered with SubscribeWriteOps.
func (s *Store) Unsubscribe(ch <-chan columnstore.WriteOp) {
	s.writable.Unsubscribe(ch)
}

// HeaviestTipset reports the chain head the store currently points to.
// This engine has no epoch-interpretation capability of its own
// (state-tree semantics belong to the surrounding node), so in the
// multi-archive case the most-recently-loaded archive is treated as
// authoritative: under
// the GC workflow only one live archive normally remains after a swap,
// and LoadArchives' sorted-filename load order is expected to put the
// newest export last. With no read-only archives present at all, the
// tipset pointer is read from the writable backend's Settings column.
func (s *Store) HeaviestTipset(ctx context.Context) (archive.TipsetKey, error) {
	archives := s.archives()
	if len(archives) == 0 {
		return s.headTipsetFromSettings()
	}
	return archives[len(archives)-1].HeaviestTipset(ctx)
}

// WriteHeadTipsetKey records tsk into the Settings column, for the
// writable-only fallback path HeaviestTipset uses, and for GC's
// replay-captured-writes step to restore a tracked head.
func (s *Store) WriteHeadTipsetKey(tsk archive.TipsetKey) error {
	rec := headTipsetRecord{Cids: tsk}
	b, err := cbor.DumpObject(&rec)
	if err != nil {
		return fmt.Errorf("blockstore: encode head tipset key: %w", err)
	}
	return s.writable.WriteSetting(settingsKeyHeadTipset, b)
}

func (s *Store) headTipsetFromSettings() (archive.TipsetKey, error) {
	b, ok, err := s.writable.ReadSetting(settingsKeyHeadTipset)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var rec headTipsetRecord
	if err := cbor.DecodeInto(b, &rec); err != nil {
		return nil, fmt.Errorf("blockstore: decode head tipset key: %w", err)
	}
	return archive.TipsetKey(rec.Cids), nil
}

// Archives returns a snapshot of the currently loaded read-only archives,
// in insertion order.
func (s *Store) Archives() []*archive.Reader { return s.archives() }

// Writable returns the underlying writable backend, for callers (GC) that
// need direct column access beyond Get/Put.
func (s *Store) Writable() *columnstore.Store { return s.writable }

// Close closes every read-only archive and the writable backend.
func (s *Store) Close() error {
	var firstErr error
	for _, r := range s.archives() {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.writable.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
