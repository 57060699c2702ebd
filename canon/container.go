package canon

import "github.com/ipfs/go-cid"

// Map is a CID-keyed map that internally keeps two disjoint tables — one
// keyed on the 32-byte compact digest, one keyed on the fallback CID's
// binary key string — and dispatches each operation to the one the key
// belongs to. Iteration yields compact entries first, then fallback
// entries; insertion order is not preserved across the two tables.
type Map[V any] struct {
	compact  map[[32]byte]V
	fallback map[string]fallbackEntry[V]
}

type fallbackEntry[V any] struct {
	cid cid.Cid
	val V
}

// NewMap returns an empty Map.
func NewMap[V any]() *Map[V] {
	return &Map[V]{
		compact:  make(map[[32]byte]V),
		fallback: make(map[string]fallbackEntry[V]),
	}
}

// Get looks up the value for a canonicalized key.
func (m *Map[V]) Get(key Canonical) (V, bool) {
	if key.IsCompact() {
		v, ok := m.compact[key.compact]
		return v, ok
	}
	e, ok := m.fallback[key.key()]
	return e.val, ok
}

// Set inserts or overwrites the value for a canonicalized key.
func (m *Map[V]) Set(key Canonical, v V) {
	if key.IsCompact() {
		m.compact[key.compact] = v
		return
	}
	m.fallback[key.key()] = fallbackEntry[V]{cid: key.fallback, val: v}
}

// Delete removes a key, if present.
func (m *Map[V]) Delete(key Canonical) {
	if key.IsCompact() {
		delete(m.compact, key.compact)
		return
	}
	delete(m.fallback, key.key())
}

// Has reports whether key is present.
func (m *Map[V]) Has(key Canonical) bool {
	_, ok := m.Get(key)
	return ok
}

// Len returns the total number of entries across both tables.
func (m *Map[V]) Len() int { return len(m.compact) + len(m.fallback) }

// Range iterates compact entries first, then fallback entries, stopping
// early if fn returns false.
func (m *Map[V]) Range(fn func(key Canonical, v V) bool) {
	for digest, v := range m.compact {
		if !fn(Canonical{kind: KindCompact, compact: digest}, v) {
			return
		}
	}
	for _, e := range m.fallback {
		if !fn(Canonical{kind: KindFallback, fallback: e.cid}, e.val) {
			return
		}
	}
}

// Set is a CID-keyed set built on Map[struct{}].
type Set struct {
	m *Map[struct{}]
}

// NewSet returns an empty Set.
func NewSet() *Set { return &Set{m: NewMap[struct{}]()} }

func (s *Set) Add(key Canonical)    { s.m.Set(key, struct{}{}) }
func (s *Set) Remove(key Canonical) { s.m.Delete(key) }
func (s *Set) Has(key Canonical) bool { return s.m.Has(key) }
func (s *Set) Len() int             { return s.m.Len() }

// Range iterates the set, compact entries first.
func (s *Set) Range(fn func(key Canonical) bool) {
	s.m.Range(func(key Canonical, _ struct{}) bool { return fn(key) })
}
