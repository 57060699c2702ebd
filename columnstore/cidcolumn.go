package columnstore

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/forest-chain/forest-archive/canon"
	"github.com/ipfs/go-cid"
)

// cidColumn is a CID-keyed column: a block key exists at most once, and a
// put of an existing key overwrites its location (the new value wins, the
// old journal bytes become dead weight until the column is next compacted
// by GC's destructive wipe-and-rebuild).
type cidColumn struct {
	name string

	mu  sync.RWMutex
	log *journal
	idx *canon.Map[location]
}

func openCIDColumn(dir, name string) (*cidColumn, error) {
	log, err := openJournal(filepath.Join(dir, name+".log"))
	if err != nil {
		return nil, err
	}
	idx := canon.NewMap[location]()
	if err := replay(log.path, func(key []byte, loc location) error {
		c, err := cid.Cast(key)
		if err != nil {
			return fmt.Errorf("columnstore: column %s: replay: %w", name, err)
		}
		canonical, err := canon.Canonicalize(c)
		if err != nil {
			return fmt.Errorf("columnstore: column %s: replay: %w", name, err)
		}
		idx.Set(canonical, loc)
		return nil
	}); err != nil {
		log.close()
		return nil, err
	}
	return &cidColumn{name: name, log: log, idx: idx}, nil
}

func (col *cidColumn) has(c cid.Cid) bool {
	canonical, err := canon.Canonicalize(c)
	if err != nil {
		return false
	}
	col.mu.RLock()
	defer col.mu.RUnlock()
	return col.idx.Has(canonical)
}

func (col *cidColumn) get(c cid.Cid) ([]byte, bool, error) {
	canonical, err := canon.Canonicalize(c)
	if err != nil {
		return nil, false, err
	}
	col.mu.RLock()
	loc, ok := col.idx.Get(canonical)
	col.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	data, err := col.log.readAt(loc)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (col *cidColumn) put(c cid.Cid, data []byte) error {
	canonical, err := canon.Canonicalize(c)
	if err != nil {
		return err
	}
	col.mu.Lock()
	defer col.mu.Unlock()
	loc, err := col.log.append(c.Bytes(), data)
	if err != nil {
		return err
	}
	if err := col.log.flush(); err != nil {
		return err
	}
	col.idx.Set(canonical, loc)
	return nil
}

func (col *cidColumn) delete(c cid.Cid) {
	canonical, err := canon.Canonicalize(c)
	if err != nil {
		return
	}
	col.mu.Lock()
	defer col.mu.Unlock()
	col.idx.Delete(canonical)
}

func (col *cidColumn) len() int {
	col.mu.RLock()
	defer col.mu.RUnlock()
	return col.idx.Len()
}

// keys returns every CID currently indexed in this column, restored from
// their canonical form. Used by GC to enumerate candidate blocks for
// retention scoring; not on any hot read/write path.
func (col *cidColumn) keys() ([]cid.Cid, error) {
	col.mu.RLock()
	defer col.mu.RUnlock()
	out := make([]cid.Cid, 0, col.idx.Len())
	var rangeErr error
	col.idx.Range(func(key canon.Canonical, _ location) bool {
		c, err := key.Restore()
		if err != nil {
			rangeErr = err
			return false
		}
		out = append(out, c)
		return true
	})
	if rangeErr != nil {
		return nil, rangeErr
	}
	return out, nil
}

func (col *cidColumn) close() error {
	return col.log.close()
}
