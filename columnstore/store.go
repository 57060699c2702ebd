// Package columnstore implements the writable backend: the layered
// store's single mutable column-oriented keyed store. Five columns sit
// over independent append-only logs, rebuilt by replay on Open rather than
// by persisting their own index structure, and a bounded broadcast channel
// lets a GC hot-standby observe every committed put in commit order.
package columnstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/forest-chain/forest-archive/canon"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("columnstore")

const (
	columnGraphCompact    = "graph_dagcbor_blake2b256"
	columnGraphFull       = "graph_full"
	columnPersistentGraph = "persistent_graph"
	columnSettings        = "settings"
	columnEthMappings     = "eth_mappings"
)

// DefaultBroadcastBuffer is the channel depth used by SubscribeWriteOps
// when WithBroadcastBuffer is not supplied.
const DefaultBroadcastBuffer = 256

// WriteOp is one committed put, delivered to every subscriber in commit
// order.
type WriteOp struct {
	CID  cid.Cid
	Data []byte
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithBroadcastBuffer sets the channel depth for future SubscribeWriteOps
// calls.
func WithBroadcastBuffer(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.broadcastBuffer = n
		}
	}
}

// Store is the writable backend: two graph columns keyed on CID (split
// by compact vs. fallback canonical form), one
// GC-exempt persistent graph column, and two string-keyed scratch columns.
type Store struct {
	dir string

	compact    *cidColumn
	full       *cidColumn
	persistent *cidColumn

	settings    *stringColumn
	ethMappings *stringColumn

	broadcastBuffer int
	subMu           sync.Mutex
	subscribers     []chan WriteOp
}

// Open opens or creates the writable backend rooted at dir, replaying every
// column's log to rebuild its in-memory index.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("columnstore: create dir %s: %w", dir, err)
	}

	compact, err := openCIDColumn(dir, columnGraphCompact)
	if err != nil {
		return nil, err
	}
	full, err := openCIDColumn(dir, columnGraphFull)
	if err != nil {
		compact.close()
		return nil, err
	}
	persistent, err := openCIDColumn(dir, columnPersistentGraph)
	if err != nil {
		compact.close()
		full.close()
		return nil, err
	}
	settings, err := openStringColumn(dir, columnSettings)
	if err != nil {
		compact.close()
		full.close()
		persistent.close()
		return nil, err
	}
	ethMappings, err := openStringColumn(dir, columnEthMappings)
	if err != nil {
		compact.close()
		full.close()
		persistent.close()
		settings.close()
		return nil, err
	}

	s := &Store{
		dir:             dir,
		compact:         compact,
		full:            full,
		persistent:      persistent,
		settings:        settings,
		ethMappings:     ethMappings,
		broadcastBuffer: DefaultBroadcastBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Infof("columnstore: opened %s (graph=%d full=%d persistent=%d)",
		dir, compact.len(), full.len(), persistent.len())
	return s, nil
}

// graphColumnFor returns the column a CID's graph data lives in:
// compact-eligible CIDs go in the preimage-indexed column, everything
// else in the fallback column.
func (s *Store) graphColumnFor(c cid.Cid) *cidColumn {
	if canon.Eligible(c) {
		return s.compact
	}
	return s.full
}

// Get returns a block's data, falling back to the persistent column on a
// graph-column miss.
func (s *Store) Get(_ context.Context, c cid.Cid) ([]byte, bool, error) {
	data, ok, err := s.graphColumnFor(c).get(c)
	if err != nil || ok {
		return data, ok, err
	}
	return s.persistent.get(c)
}

// Has reports whether a block is present in either the routed graph column
// or the persistent fallback.
func (s *Store) Has(_ context.Context, c cid.Cid) bool {
	if s.graphColumnFor(c).has(c) {
		return true
	}
	return s.persistent.has(c)
}

// Put writes a block into its routed graph column and broadcasts the write
// to any subscribers. A key exists in at most one graph column: routing
// is a pure function of the CID's canonical form, so a put can never
// leave a stale copy in the other column.
func (s *Store) Put(_ context.Context, c cid.Cid, data []byte) error {
	if err := s.graphColumnFor(c).put(c, data); err != nil {
		return err
	}
	s.broadcast(WriteOp{CID: c, Data: data})
	return nil
}

// Delete removes a block from its routed graph column's index. The
// journal bytes remain as dead weight until GC's wipe-and-rebuild; only
// the key's resolvability changes. The persistent column is not touched —
// it is GC-exempt and addressed only through PutPersistent.
func (s *Store) Delete(_ context.Context, c cid.Cid) {
	s.graphColumnFor(c).delete(c)
}

// PutPersistent writes a block into the GC-exempt persistent column.
// Last write wins; the persistent column is addressed only through this
// method and the fallback path in Get/Has, never through ordinary Put.
func (s *Store) PutPersistent(_ context.Context, c cid.Cid, data []byte) error {
	if err := s.persistent.put(c, data); err != nil {
		return err
	}
	s.broadcast(WriteOp{CID: c, Data: data})
	return nil
}

// ReadSetting reads a value from the Settings column (e.g. the head
// tipset pointer).
func (s *Store) ReadSetting(key string) ([]byte, bool, error) {
	return s.settings.get(key)
}

// WriteSetting writes a value into the Settings column.
func (s *Store) WriteSetting(key string, data []byte) error {
	return s.settings.put(key, data)
}

// ReadEthMapping reads an opaque auxiliary index entry. The core never
// interprets the bytes; it only stores and retrieves them.
func (s *Store) ReadEthMapping(key string) ([]byte, bool, error) {
	return s.ethMappings.get(key)
}

// WriteEthMapping writes an opaque auxiliary index entry.
func (s *Store) WriteEthMapping(key string, data []byte) error {
	return s.ethMappings.put(key, data)
}

// SubscribeWriteOps registers a new subscriber and returns its channel.
// Every successful Put/PutPersistent is delivered here in commit order;
// a slow subscriber applies backpressure to the writer issuing the put
// once the channel buffer fills.
func (s *Store) SubscribeWriteOps() <-chan WriteOp {
	ch := make(chan WriteOp, s.broadcastBuffer)
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.subMu.Unlock()
	return ch
}

// Unsubscribe removes a previously-registered channel and closes it. ch
// must have been returned by SubscribeWriteOps on this Store.
func (s *Store) Unsubscribe(ch <-chan WriteOp) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for i, sub := range s.subscribers {
		if (<-chan WriteOp)(sub) == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// broadcast is a no-op when no subscriber is attached.
func (s *Store) broadcast(op WriteOp) {
	s.subMu.Lock()
	subs := make([]chan WriteOp, len(s.subscribers))
	copy(subs, s.subscribers)
	s.subMu.Unlock()
	for _, sub := range subs {
		sub <- op
	}
}

// Dir returns the directory this store is rooted at.
func (s *Store) Dir() string { return s.dir }

// GraphKeys returns every CID currently present in the GC-eligible graph
// columns (compact and fallback), not including the persistent column.
// Used by GC to decide what in the writable backend is still reachable
// from the exported graph.
func (s *Store) GraphKeys() ([]cid.Cid, error) {
	compactKeys, err := s.compact.keys()
	if err != nil {
		return nil, err
	}
	fullKeys, err := s.full.keys()
	if err != nil {
		return nil, err
	}
	return append(compactKeys, fullKeys...), nil
}

// PersistentKeys returns every CID currently present in the GC-exempt
// persistent column.
func (s *Store) PersistentKeys() ([]cid.Cid, error) {
	return s.persistent.keys()
}

// Reset closes every write-op subscriber channel and destructively
// truncates the two graph columns (compact and fallback), used by GC's
// final step after a successful export. The settings, eth-mapping and
// persistent columns are left untouched.
func (s *Store) Reset() error {
	s.subMu.Lock()
	for _, sub := range s.subscribers {
		close(sub)
	}
	s.subscribers = nil
	s.subMu.Unlock()

	if err := s.compact.close(); err != nil {
		return err
	}
	if err := s.full.close(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, columnGraphCompact+".log")); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, columnGraphFull+".log")); err != nil && !os.IsNotExist(err) {
		return err
	}

	compact, err := openCIDColumn(s.dir, columnGraphCompact)
	if err != nil {
		return err
	}
	full, err := openCIDColumn(s.dir, columnGraphFull)
	if err != nil {
		compact.close()
		return err
	}
	s.compact = compact
	s.full = full
	log.Infof("columnstore: reset graph columns under %s", s.dir)
	return nil
}

// Close releases every column's file handles.
func (s *Store) Close() error {
	var firstErr error
	for _, c := range []interface{ close() error }{s.compact, s.full, s.persistent, s.settings, s.ethMappings} {
		if err := c.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
