package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/forest-chain/forest-archive/canon"
	"github.com/forest-chain/forest-archive/forestindex"
	"github.com/forest-chain/forest-archive/frame"

	blocks "github.com/ipfs/go-libipfs/blocks"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	carv1 "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/exp/mmap"
)

// backing is the byte source an open archive reads from: a memory-mapped
// file in the common case, or an in-memory byte slice (OpenBytes). Both
// are immutable after open, so positioned reads need no coordination.
type backing interface {
	io.ReaderAt
	Close() error
}

// Reader is an open, read-only Forest archive. A Reader is safe for
// concurrent use: all state after Open is immutable except for the
// underlying mmap's own read path, which golang.org/x/exp/mmap already
// makes concurrency-safe.
type Reader struct {
	path string
	ra   backing
	size int64

	header   carv1.CarHeader
	index    *forestindex.Index
	archiveID string

	headerEnd     uint64 // end of the header frame == start of the first data frame
	dataFramesEnd uint64 // start of the index frame == end of the last data frame
	frameBounds   []uint64

	indexPayloadOff int64 // start of the index table within the file
	indexPayloadLen int64 // table length, excluding the 4-byte size sentinel
}

// IsValidStructure reports whether path opens as a structurally valid
// Forest archive (footer, index and header all parse), without keeping it
// open. Used by snapshot.DetectFormat to recognize a Forest archive.
func IsValidStructure(path string) bool {
	r, err := Open(path)
	if err != nil {
		return false
	}
	_ = r.Close()
	return true
}

// Open validates the footer at EOF-16, the index-size sentinel just
// before it, and the embedded index's own header and terminator slot,
// then reads the CARv1 header frame for the archive's roots.
func Open(path string) (*Reader, error) {
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	r, err := openReaderAt(path, ra, int64(ra.Len()))
	if err != nil {
		ra.Close()
		return nil, err
	}
	return r, nil
}

// OpenBytes opens an archive held entirely in memory. name is only used
// in error messages and Path; no file is touched. Useful for transient
// archives (tests, a snapshot just fetched into memory) where an mmap
// round-trip through disk would be wasted work.
func OpenBytes(name string, data []byte) (*Reader, error) {
	return openReaderAt(name, bytesBacking{bytes.NewReader(data)}, int64(len(data)))
}

type bytesBacking struct{ *bytes.Reader }

func (bytesBacking) Close() error { return nil }

func openReaderAt(path string, ra backing, size int64) (*Reader, error) {
	if size < footerSize {
		return nil, fmt.Errorf("archive: %s is too small to contain a footer", path)
	}

	footerBuf := make([]byte, footerSize)
	if _, err := ra.ReadAt(footerBuf, size-footerSize); err != nil {
		return nil, fmt.Errorf("archive: read footer: %w", err)
	}
	subtype, payload, err := frame.DecodeSkippableFrame(footerBuf)
	if err != nil {
		return nil, fmt.Errorf("archive: invalid footer: %w", err)
	}
	if subtype != footerSubtype || len(payload) != footerPayloadSize {
		return nil, fmt.Errorf("archive: footer has subtype %d, payload length %d", subtype, len(payload))
	}
	indexFrameOffset := int64(binary.LittleEndian.Uint64(payload))

	sentinelBuf := make([]byte, 4)
	if _, err := ra.ReadAt(sentinelBuf, size-footerSize-4); err != nil {
		return nil, fmt.Errorf("archive: read index-size sentinel: %w", err)
	}
	indexTableLen := int64(binary.LittleEndian.Uint32(sentinelBuf))

	indexHeaderBuf := make([]byte, 8)
	if _, err := ra.ReadAt(indexHeaderBuf, indexFrameOffset); err != nil {
		return nil, fmt.Errorf("archive: read index frame header: %w", err)
	}
	idxSubtype, payloadSize, err := frame.DecodeSkippableHeader(indexHeaderBuf)
	if err != nil {
		return nil, fmt.Errorf("archive: invalid index frame: %w", err)
	}
	if idxSubtype != indexFrameSubtype {
		return nil, fmt.Errorf("archive: index frame has subtype %d", idxSubtype)
	}
	if int64(payloadSize) != indexTableLen+4 {
		return nil, fmt.Errorf("archive: index-size sentinel %d disagrees with frame payload size %d", indexTableLen, payloadSize)
	}
	indexPayloadOffset := indexFrameOffset + 8
	if indexPayloadOffset+int64(payloadSize) != size-footerSize {
		return nil, fmt.Errorf("archive: index frame does not end where the footer begins")
	}

	sr := io.NewSectionReader(ra, indexPayloadOffset, indexTableLen)
	idx, err := forestindex.Open(sr, indexTableLen)
	if err != nil {
		return nil, fmt.Errorf("archive: open index: %w", err)
	}

	frameOffsets, err := idx.FrameOffsets()
	if err != nil {
		return nil, fmt.Errorf("archive: scan index for frame offsets: %w", err)
	}

	headerEnd := uint64(indexFrameOffset)
	if len(frameOffsets) > 0 {
		headerEnd = frameOffsets[0]
	}

	headerBuf := make([]byte, headerEnd)
	if _, err := ra.ReadAt(headerBuf, 0); err != nil {
		return nil, fmt.Errorf("archive: read header frame: %w", err)
	}
	decompressedHeader, err := frame.DecompressZstd(headerBuf)
	if err != nil {
		return nil, fmt.Errorf("archive: decompress header frame: %w", err)
	}
	hb, err := carutil.LdRead(bufio.NewReader(bytes.NewReader(decompressedHeader)))
	if err != nil {
		return nil, fmt.Errorf("archive: read header record: %w", err)
	}
	var ch carv1.CarHeader
	if err := cbor.DecodeInto(hb, &ch); err != nil {
		return nil, fmt.Errorf("archive: decode header: %w", err)
	}
	if ch.Version != 1 {
		return nil, fmt.Errorf("archive: unsupported header version %d", ch.Version)
	}
	if len(ch.Roots) == 0 {
		return nil, fmt.Errorf("archive: header has no roots")
	}

	bounds := append(append([]uint64(nil), frameOffsets...), uint64(indexFrameOffset))

	return &Reader{
		path:            path,
		ra:              ra,
		size:            size,
		header:          ch,
		index:           idx,
		archiveID:       newArchiveID(),
		headerEnd:       headerEnd,
		dataFramesEnd:   uint64(indexFrameOffset),
		frameBounds:     bounds,
		indexPayloadOff: indexPayloadOffset,
		indexPayloadLen: indexTableLen,
	}, nil
}

// Close releases the archive's memory mapping.
func (r *Reader) Close() error { return r.ra.Close() }

// Path returns the filesystem path the archive was opened from.
func (r *Reader) Path() string { return r.path }

// ArchiveID is a process-lifetime-unique identifier for this open
// archive, used by a layered store as the second half of a frame cache
// key so that two archives sharing a frame_offset never collide.
func (r *Reader) ArchiveID() string { return r.archiveID }

// Roots returns the header's raw root CIDs, unprocessed, for tooling
// that wants the header as-is rather than the resolved heaviest tipset.
func (r *Reader) Roots() []cid.Cid { return append([]cid.Cid(nil), r.header.Roots...) }

// IndexSize returns the on-disk byte length of the embedded index,
// including its header, slot table and terminator. Surfaced for
// capacity-planning tooling.
func (r *Reader) IndexSize() int64 { return r.index.Size() }

// frameEnd returns the exclusive end offset of the frame starting at
// offset, derived from the sorted set of distinct frame-start offsets
// recovered at Open time.
func (r *Reader) frameEnd(offset uint64) uint64 {
	i := sort.Search(len(r.frameBounds), func(i int) bool { return r.frameBounds[i] > offset })
	if i == len(r.frameBounds) {
		return r.dataFramesEnd
	}
	return r.frameBounds[i]
}

// CandidateOffsets returns every frame offset the index associates with
// c's summary hash. Zero means c is definitely absent; more than one
// means a 64-bit summary collision the caller resolves by CID equality
// after decoding each candidate frame.
func (r *Reader) CandidateOffsets(c cid.Cid) ([]uint64, error) {
	hash, err := canon.SummaryHash(c)
	if err != nil {
		return nil, err
	}
	return r.index.Lookup(hash)
}

// DecodeFrameAt decompresses and parses the single data frame starting at
// offset, returning every record it holds keyed by CID key-string. This
// is the unit of work a bounded frame cache memoizes.
func (r *Reader) DecodeFrameAt(offset uint64) (map[string][]byte, error) {
	end := r.frameEnd(offset)
	if offset >= end {
		return nil, fmt.Errorf("archive: invalid frame offset %d", offset)
	}
	raw := make([]byte, end-offset)
	if _, err := r.ra.ReadAt(raw, int64(offset)); err != nil {
		return nil, fmt.Errorf("archive: read frame at %d: %w", offset, err)
	}
	records, err := frame.DecodeFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("archive: decode frame at %d: %w", offset, err)
	}
	out := make(map[string][]byte, len(records))
	for _, rec := range records {
		out[rec.Cid.KeyString()] = rec.Data
	}
	return out, nil
}

// Get resolves a single block directly, with no cache: on a summary
// collision every candidate frame is decompressed and scanned in turn.
// Callers holding a shared frame cache (a layered store) should instead
// drive CandidateOffsets/DecodeFrameAt themselves so hits are memoized.
func (r *Reader) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candidates, err := r.CandidateOffsets(c)
	if err != nil {
		return nil, err
	}
	key := c.KeyString()
	for _, off := range candidates {
		blockMap, err := r.DecodeFrameAt(off)
		if err != nil {
			return nil, err
		}
		if data, ok := blockMap[key]; ok {
			return data, nil
		}
	}
	return nil, nil
}

// Block resolves a single block and boxes it as a github.com/ipfs/go-libipfs
// blocks.Block, for callers that want the standard IPFS block type rather than a bare byte slice. Returns nil, nil
// on a confirmed miss.
func (r *Reader) Block(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	data, err := r.Get(ctx, c)
	if err != nil || data == nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(data, c)
}

// GetReader streams a single block's bytes without materializing the
// other records in its frame, for large values such as F3 sidecar data.
func (r *Reader) GetReader(ctx context.Context, c cid.Cid) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candidates, err := r.CandidateOffsets(c)
	if err != nil {
		return nil, err
	}
	for _, off := range candidates {
		end := r.frameEnd(off)
		sr := io.NewSectionReader(r.ra, int64(off), int64(end-off))
		dec, err := zstd.NewReader(sr)
		if err != nil {
			return nil, fmt.Errorf("archive: open zstd reader at %d: %w", off, err)
		}
		rdr, err := frame.FindRecordReader(dec, c)
		if err == frame.ErrRecordNotFound {
			dec.Close()
			continue
		}
		if err != nil {
			dec.Close()
			return nil, err
		}
		return &decoderReadCloser{Reader: rdr, dec: dec}, nil
	}
	return nil, nil
}

type decoderReadCloser struct {
	io.Reader
	dec *zstd.Decoder
}

func (d *decoderReadCloser) Close() error {
	d.dec.Close()
	return nil
}

// Metadata returns the FRC-0108-style v2 snapshot metadata block the
// header's single root points to, or nil if this is a plain v1 archive
// (one root directly naming the tipset, or more than one root).
func (r *Reader) Metadata(ctx context.Context) (*MetadataV2, error) {
	if len(r.header.Roots) != 1 {
		return nil, nil
	}
	data, err := r.Get(ctx, r.header.Roots[0])
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var meta MetadataV2
	if err := cbor.DecodeInto(data, &meta); err != nil {
		return nil, nil // not a metadata record; fall through as plain v1
	}
	if meta.Version != 2 {
		return nil, nil
	}
	return &meta, nil
}

// HeaviestTipset resolves the chain head this archive points to: the v2
// metadata's head_tipset_key if present, otherwise the header's roots
// directly.
func (r *Reader) HeaviestTipset(ctx context.Context) (TipsetKey, error) {
	meta, err := r.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	if meta != nil {
		return TipsetKey(meta.HeadTipsetKey), nil
	}
	return TipsetKey(r.header.Roots), nil
}

// Validate performs a full streaming pass over every data frame: each
// record is decoded, its CID rehashed against its data, and each record
// is cross-checked against the index (a record whose own frame offset is
// not among the index's candidates for its hash is reported as an
// orphaned index entry).
func (r *Reader) Validate(ctx context.Context) (*ValidationReport, error) {
	// The streaming record checks below trust the index for candidate
	// lookups, so the table's own structural invariants (displacement
	// bound, empty terminator, no duplicate slots) are verified first.
	idxBuf := make([]byte, r.indexPayloadLen)
	if _, err := r.ra.ReadAt(idxBuf, r.indexPayloadOff); err != nil {
		return nil, fmt.Errorf("archive: validate: read index table: %w", err)
	}
	if err := forestindex.VerifyInvariants(idxBuf); err != nil {
		return nil, fmt.Errorf("archive: validate: index invariants: %w", err)
	}

	report := &ValidationReport{}
	cur := r.headerEnd
	for cur < r.dataFramesEnd {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := r.frameEnd(cur)
		raw := make([]byte, end-cur)
		if _, err := r.ra.ReadAt(raw, int64(cur)); err != nil {
			return nil, fmt.Errorf("archive: validate: read frame at %d: %w", cur, err)
		}
		records, err := frame.DecodeFrame(raw)
		if err != nil {
			return nil, fmt.Errorf("archive: validate: decode frame at %d: %w", cur, err)
		}
		for _, rec := range records {
			report.RecordsValidated++
			recomputed, err := rec.Cid.Prefix().Sum(rec.Data)
			if err != nil || !recomputed.Equals(rec.Cid) {
				report.CIDMismatches++
				continue
			}
			// Box the record as a standard IPFS block and re-derive its CID
			// through that type's own constructor path, rather than trusting
			// the bare recomputed multihash above in isolation.
			blk, err := blocks.NewBlockWithCid(rec.Data, rec.Cid)
			if err != nil || !blk.Cid().Equals(rec.Cid) {
				report.CIDMismatches++
				continue
			}
			hash, err := canon.SummaryHash(rec.Cid)
			if err != nil {
				return nil, err
			}
			candidates, err := r.index.Lookup(hash)
			if err != nil {
				return nil, err
			}
			found := false
			for _, c := range candidates {
				if c == cur {
					found = true
					break
				}
			}
			if !found {
				report.OrphanedIndexEntries++
			}
		}
		cur = end
	}
	return report, nil
}
