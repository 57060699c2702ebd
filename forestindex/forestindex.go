// Package forestindex implements the archive's embedded hash-table index:
// a build-once, read-many Robin-Hood open-addressed table mapping a CID's
// 64-bit summary hash to a frame offset.
//
// The read path never materializes the table in RAM; lookups are
// positioned reads of fixed 16-byte slots against an io.ReaderAt. The
// table is a single flat array with Robin-Hood displacement, a tail
// duplicate of its first longest-distance slots so probes never wrap,
// and one empty terminator slot as a hard stop.
package forestindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"sort"
)

const (
	// HeaderSize is the fixed 32-byte header preceding the slot table.
	HeaderSize = 32
	// SlotSize is the fixed size of one (hash, offset) slot.
	SlotSize = 16
	// DefaultLoadFactor is the target load factor used when none is given.
	DefaultLoadFactor = 0.8
)

// MagicV1 identifies this index format version. It is the little-endian
// interpretation of the ASCII bytes "FIDXv001".
var MagicV1 = binary.LittleEndian.Uint64([]byte("FIDXv001"))

var (
	ErrBadMagic           = errors.New("forestindex: bad magic")
	ErrTruncated          = errors.New("forestindex: truncated index")
	ErrNonEmptyTerminator = errors.New("forestindex: non-empty terminal slot")
)

// Slot is one entry in the table: (hash, offset), little-endian on disk.
// The sentinel Hash == Offset == math.MaxUint64 marks an empty slot.
type Slot struct {
	Hash   uint64
	Offset uint64
}

// EmptySlot is the sentinel value marking an unoccupied slot.
var EmptySlot = Slot{Hash: math.MaxUint64, Offset: math.MaxUint64}

// IsEmpty reports whether s is the sentinel empty slot.
func (s Slot) IsEmpty() bool { return s == EmptySlot }

// Header is the 32-byte block preceding the slot table.
type Header struct {
	Magic           uint64
	LongestDistance uint64
	Collisions      uint64
	InitialWidth    uint64
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic)
	binary.LittleEndian.PutUint64(buf[8:16], h.LongestDistance)
	binary.LittleEndian.PutUint64(buf[16:24], h.Collisions)
	binary.LittleEndian.PutUint64(buf[24:32], h.InitialWidth)
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrTruncated
	}
	return Header{
		Magic:           binary.LittleEndian.Uint64(buf[0:8]),
		LongestDistance: binary.LittleEndian.Uint64(buf[8:16]),
		Collisions:      binary.LittleEndian.Uint64(buf[16:24]),
		InitialWidth:    binary.LittleEndian.Uint64(buf[24:32]),
	}, nil
}

func encodeSlotInto(dst []byte, s Slot) {
	binary.LittleEndian.PutUint64(dst[0:8], s.Hash)
	binary.LittleEndian.PutUint64(dst[8:16], s.Offset)
}

func decodeSlot(buf []byte) Slot {
	return Slot{
		Hash:   binary.LittleEndian.Uint64(buf[0:8]),
		Offset: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// Summary computes the archive's 64-bit hash-table key for a canonical
// CID: fold its digest into 8-byte little-endian chunks, XOR them
// together, then XOR with (codec ^ hashAlgo). The sentinel value is
// avoided by saturating subtraction.
func Summary(digest []byte, codec, hashAlgo uint64) uint64 {
	padded := digest
	if rem := len(padded) % 8; rem != 0 {
		padded = make([]byte, len(digest)+(8-rem))
		copy(padded, digest)
	}
	var acc uint64
	for i := 0; i < len(padded); i += 8 {
		acc ^= binary.LittleEndian.Uint64(padded[i : i+8])
	}
	acc ^= codec ^ hashAlgo
	if acc == math.MaxUint64 {
		acc--
	}
	return acc
}

// idealBucket computes floor((hash * w) / 2^64) using a 128-bit
// multiplication decomposed into (hi, lo) words, so the result matches a
// u128 shift exactly without overflow.
func idealBucket(hash, w uint64) uint64 {
	if w == 0 {
		return 0
	}
	hi, _ := bits.Mul64(hash, w)
	return hi
}

// distanceOf returns the Robin-Hood displacement of a slot's hash given
// its physical position idx within a table of width w.
func distanceOf(s Slot, idx, w uint64) uint64 {
	ideal := idealBucket(s.Hash, w)
	return (idx - ideal + w) % w
}

// Builder accumulates (hash, offset) entries and produces the on-disk
// table bytes in one pass.
type Builder struct {
	loadFactor float64
	entries    []Slot
}

// NewBuilder returns a Builder using DefaultLoadFactor.
func NewBuilder() *Builder {
	return &Builder{loadFactor: DefaultLoadFactor}
}

// SetLoadFactor overrides the target load factor used at Build time.
func (b *Builder) SetLoadFactor(lf float64) { b.loadFactor = lf }

// Add records one (hash, offset) entry. During Robin-Hood insertion a
// tie in displacement goes to the lower hash; the order of Add calls only
// matters between entries with equal hashes, where the earlier one keeps
// the earlier slot.
func (b *Builder) Add(hash, offset uint64) {
	b.entries = append(b.entries, Slot{Hash: hash, Offset: offset})
}

// Len returns the number of entries added so far.
func (b *Builder) Len() int { return len(b.entries) }

// Build runs Robin-Hood insertion over the accumulated entries and
// returns the complete on-disk index bytes: header, primary table, tail
// duplicate of the first D slots, and a final empty terminator.
func (b *Builder) Build() []byte {
	n := uint64(len(b.entries))
	w := n
	if n > 0 {
		lf := b.loadFactor
		if lf <= 0 {
			lf = DefaultLoadFactor
		}
		target := uint64(math.Ceil(float64(n) / lf))
		if target > w {
			w = target
		}
	}

	table := make([]Slot, w)
	for i := range table {
		table[i] = EmptySlot
	}

	var longestDistance, collisions uint64
	seen := make(map[uint64]struct{}, n)

	for _, e := range b.entries {
		if _, dup := seen[e.Hash]; dup {
			collisions++
		}
		seen[e.Hash] = struct{}{}

		if w == 0 {
			continue
		}

		cur := e
		pos := idealBucket(cur.Hash, w)
		dist := uint64(0)
		for {
			idx := pos % w
			if table[idx].IsEmpty() {
				table[idx] = cur
				if dist > longestDistance {
					longestDistance = dist
				}
				break
			}
			existingDist := distanceOf(table[idx], idx, w)
			if dist > existingDist || (dist == existingDist && cur.Hash < table[idx].Hash) {
				table[idx], cur = cur, table[idx]
				if dist > longestDistance {
					longestDistance = dist
				}
				dist = existingDist
			}
			pos++
			dist++
		}
	}

	d := longestDistance
	total := w + d + 1
	full := make([]Slot, total)
	copy(full, table)
	if d > 0 {
		copy(full[w:w+d], table[:d])
	}
	full[w+d] = EmptySlot

	header := Header{
		Magic:           MagicV1,
		LongestDistance: d,
		Collisions:      collisions,
		InitialWidth:    w,
	}

	out := make([]byte, HeaderSize+int(total)*SlotSize)
	copy(out[:HeaderSize], encodeHeader(header))
	for i, s := range full {
		encodeSlotInto(out[HeaderSize+i*SlotSize:HeaderSize+(i+1)*SlotSize], s)
	}
	return out
}

// Index is a read-only view over an on-disk index table. Lookups perform
// positioned reads against r; the table is never loaded into RAM wholesale.
type Index struct {
	r      io.ReaderAt
	header Header
}

// Open validates the header and terminator slot, then returns an Index
// ready for Lookup. size is the total byte length available at r (used to
// reject a truncated index).
func Open(r io.ReaderAt, size int64) (*Index, error) {
	hbuf := make([]byte, HeaderSize)
	if _, err := r.ReadAt(hbuf, 0); err != nil {
		return nil, fmt.Errorf("forestindex: read header: %w", err)
	}
	header, err := decodeHeader(hbuf)
	if err != nil {
		return nil, err
	}
	if header.Magic != MagicV1 {
		return nil, ErrBadMagic
	}
	total := header.InitialWidth + header.LongestDistance + 1
	wantSize := int64(HeaderSize) + int64(total)*SlotSize
	if size < wantSize {
		return nil, ErrTruncated
	}

	idx := &Index{r: r, header: header}
	term, err := idx.readSlot(header.InitialWidth + header.LongestDistance)
	if err != nil {
		return nil, err
	}
	if !term.IsEmpty() {
		return nil, ErrNonEmptyTerminator
	}
	return idx, nil
}

func (idx *Index) readSlot(pos uint64) (Slot, error) {
	buf := make([]byte, SlotSize)
	off := int64(HeaderSize) + int64(pos)*SlotSize
	if _, err := idx.r.ReadAt(buf, off); err != nil {
		return Slot{}, fmt.Errorf("forestindex: read slot %d: %w", pos, err)
	}
	return decodeSlot(buf), nil
}

// Header returns the index's parsed header.
func (idx *Index) Header() Header { return idx.header }

// Size returns the total on-disk byte length of the index (header + all
// slots, including the tail duplicate and terminator).
func (idx *Index) Size() int64 {
	total := idx.header.InitialWidth + idx.header.LongestDistance + 1
	return int64(HeaderSize) + int64(total)*SlotSize
}

// Lookup returns every candidate frame offset for hash. Zero candidates
// means the key is absent; more than one means a 64-bit summary
// collision, which the caller resolves by CID equality after decoding the
// candidate frames.
func (idx *Index) Lookup(hash uint64) ([]uint64, error) {
	w := idx.header.InitialWidth
	d := idx.header.LongestDistance
	if w == 0 {
		return nil, nil
	}
	i0 := idealBucket(hash, w)
	var candidates []uint64
	for step := uint64(0); step <= d; step++ {
		slot, err := idx.readSlot(i0 + step)
		if err != nil {
			return nil, err
		}
		if slot.IsEmpty() {
			return candidates, nil
		}
		if slot.Hash == hash {
			candidates = append(candidates, slot.Offset)
		}
		slotDist := distanceOf(slot, (i0+step)%w, w)
		if slotDist < step {
			return candidates, nil
		}
	}
	return candidates, nil
}

// FrameOffsets scans the primary table once and returns the sorted,
// deduplicated set of distinct frame offsets recorded in the index. The
// on-disk format stores only a start offset per CID, not a length per
// frame; a reader that needs exact frame boundaries (to decompress one
// frame at a time and cache it under a stable key) recovers them by
// taking each offset's successor in this sorted set as its end. This is a
// one-time O(width) scan, not a per-lookup cost.
func (idx *Index) FrameOffsets() ([]uint64, error) {
	w := idx.header.InitialWidth
	seen := make(map[uint64]struct{})
	for i := uint64(0); i < w; i++ {
		s, err := idx.readSlot(i)
		if err != nil {
			return nil, err
		}
		if s.IsEmpty() {
			continue
		}
		seen[s.Offset] = struct{}{}
	}
	offsets := make([]uint64, 0, len(seen))
	for o := range seen {
		offsets = append(offsets, o)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets, nil
}

// VerifyInvariants checks the structural invariants of a fully in-memory
// index (used for full archive validation): total slot count, empty
// terminator, bounded displacement, and no duplicate (hash, offset) pairs
// within the primary table.
func VerifyInvariants(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrTruncated
	}
	header, err := decodeHeader(buf[:HeaderSize])
	if err != nil {
		return err
	}
	if header.Magic != MagicV1 {
		return ErrBadMagic
	}
	w := header.InitialWidth
	d := header.LongestDistance
	total := w + d + 1
	wantLen := HeaderSize + int(total)*SlotSize
	if len(buf) != wantLen {
		return ErrTruncated
	}

	slots := make([]Slot, total)
	for i := range slots {
		off := HeaderSize + i*SlotSize
		slots[i] = decodeSlot(buf[off : off+SlotSize])
	}
	if !slots[total-1].IsEmpty() {
		return ErrNonEmptyTerminator
	}

	seen := make(map[Slot]bool, w)
	for i := uint64(0); i < w; i++ {
		s := slots[i]
		if s.IsEmpty() {
			continue
		}
		dist := distanceOf(s, i, w)
		if dist > d {
			return fmt.Errorf("forestindex: slot %d displacement %d exceeds longest_distance %d", i, dist, d)
		}
		if seen[s] {
			return fmt.Errorf("forestindex: duplicate (hash,offset) at slot %d", i)
		}
		seen[s] = true
	}
	return nil
}
