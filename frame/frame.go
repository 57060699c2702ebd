// Package frame implements the archive's record and frame codec: varint
// length-prefixed (cid, data) records packed into zstd frames, finalized
// by a compressed-size tripwire, plus the skippable-frame wrapper used for
// the index and footer.
//
// A record's length prefix covers the CID and the data together. The CID
// is self-delimiting, so a reader recovers the data length by subtracting
// the CID's encoded length from the section length — the same section
// shape a plain CARv1 stream uses, which is what keeps the decompressed
// data frames readable by standard CAR tooling.
package frame

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/klauspost/compress/zstd"
	"github.com/multiformats/go-varint"
)

// DefaultTripwire is the compressed-size threshold, in bytes, after which
// a frame is finalized.
const DefaultTripwire = 8 * 1024

var ErrRecordNotFound = fmt.Errorf("frame: record not found in stream")

// Record is one decoded (cid, data) pair.
type Record struct {
	Cid  cid.Cid
	Data []byte
}

// EncodeRecord appends the wire form of one record to dst and returns the
// extended slice: varint(len(cidBytes)+len(data)) ‖ cidBytes ‖ data.
func EncodeRecord(dst []byte, c cid.Cid, data []byte) []byte {
	cidBytes := c.Bytes()
	total := uint64(len(cidBytes) + len(data))
	szBuf := make([]byte, varint.UvarintSize(total))
	varint.PutUvarint(szBuf, total)
	dst = append(dst, szBuf...)
	dst = append(dst, cidBytes...)
	dst = append(dst, data...)
	return dst
}

// readRecord reads one record from br. Returns io.EOF (unwrapped) when the
// stream is cleanly exhausted before any bytes of a new record.
func readRecord(br *bufio.Reader) (Record, error) {
	if _, err := br.Peek(1); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, err
	}
	total, err := varint.ReadUvarint(br)
	if err != nil {
		return Record{}, fmt.Errorf("frame: read length prefix: %w", err)
	}
	cidLen, c, err := cid.CidFromReader(br)
	if err != nil {
		return Record{}, fmt.Errorf("frame: read cid: %w", err)
	}
	dataLen := int64(total) - int64(cidLen)
	if dataLen < 0 {
		return Record{}, fmt.Errorf("frame: record length prefix %d shorter than cid length %d", total, cidLen)
	}
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(br, data); err != nil {
		return Record{}, fmt.Errorf("frame: read record data: %w", err)
	}
	return Record{Cid: c, Data: data}, nil
}

// DecodeFrame decompresses a zstd data frame and parses every record in
// it, in on-disk order.
func DecodeFrame(compressed []byte) ([]Record, error) {
	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("frame: open zstd reader: %w", err)
	}
	defer dec.Close()

	br := bufio.NewReader(dec)
	var records []Record
	for {
		rec, err := readRecord(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// FindRecordReader scans a decompressed frame byte stream for the record
// whose CID equals target, returning a reader bounded to exactly that
// record's data. Intervening records are skipped byte-by-byte rather than
// materialized, for streaming access to large values (e.g. F3 sidecar
// data).
func FindRecordReader(r io.Reader, target cid.Cid) (io.Reader, error) {
	br := bufio.NewReader(r)
	for {
		if _, err := br.Peek(1); err != nil {
			if err == io.EOF {
				return nil, ErrRecordNotFound
			}
			return nil, err
		}
		total, err := varint.ReadUvarint(br)
		if err != nil {
			return nil, fmt.Errorf("frame: read length prefix: %w", err)
		}
		cidLen, c, err := cid.CidFromReader(br)
		if err != nil {
			return nil, fmt.Errorf("frame: read cid: %w", err)
		}
		dataLen := int64(total) - int64(cidLen)
		if dataLen < 0 {
			return nil, fmt.Errorf("frame: record length prefix %d shorter than cid length %d", total, cidLen)
		}
		if c.Equals(target) {
			return io.LimitReader(br, dataLen), nil
		}
		if _, err := io.CopyN(io.Discard, br, dataLen); err != nil {
			return nil, fmt.Errorf("frame: skip record: %w", err)
		}
	}
}

// Writer accumulates (cid, data) records into a zstd encoder and reports
// when the tripwire is crossed so the caller can finalize the frame.
type Writer struct {
	tripwire int
	buf      bytes.Buffer
	enc      *zstd.Encoder
	cids     []cid.Cid
}

// NewWriter returns a Writer with the given tripwire (bytes). A
// non-positive tripwire uses DefaultTripwire.
func NewWriter(tripwire int) (*Writer, error) {
	if tripwire <= 0 {
		tripwire = DefaultTripwire
	}
	w := &Writer{tripwire: tripwire}
	if err := w.reset(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) reset() error {
	w.buf.Reset()
	w.cids = w.cids[:0]
	enc, err := zstd.NewWriter(&w.buf)
	if err != nil {
		return fmt.Errorf("frame: new zstd writer: %w", err)
	}
	w.enc = enc
	return nil
}

// HasPending reports whether any record has been added since the last
// Finalize.
func (w *Writer) HasPending() bool { return len(w.cids) > 0 }

// Add writes one record into the current frame. If the compressed size
// now reaches or exceeds the tripwire, the frame is finalized and returned along with
// the CIDs it contains; a fresh frame is started transparently.
func (w *Writer) Add(c cid.Cid, data []byte) (finalized bool, frameBytes []byte, cids []cid.Cid, err error) {
	rec := EncodeRecord(nil, c, data)
	if _, err := w.enc.Write(rec); err != nil {
		return false, nil, nil, fmt.Errorf("frame: write record: %w", err)
	}
	if err := w.enc.Flush(); err != nil {
		return false, nil, nil, fmt.Errorf("frame: flush: %w", err)
	}
	w.cids = append(w.cids, c)

	if w.buf.Len() >= w.tripwire {
		frameBytes, cids, err := w.Finalize()
		return true, frameBytes, cids, err
	}
	return false, nil, nil, nil
}

// Finalize closes out the current frame (even if empty) and returns its
// compressed bytes and contained CIDs, resetting the writer for the next
// frame. Calling Finalize on an empty writer yields a valid, empty zstd
// frame with zero CIDs.
func (w *Writer) Finalize() ([]byte, []cid.Cid, error) {
	if err := w.enc.Close(); err != nil {
		return nil, nil, fmt.Errorf("frame: close zstd writer: %w", err)
	}
	out := append([]byte(nil), w.buf.Bytes()...)
	cids := append([]cid.Cid(nil), w.cids...)
	if err := w.reset(); err != nil {
		return nil, nil, err
	}
	return out, cids, nil
}

// CompressZstd compresses data as a single standalone zstd frame.
func CompressZstd(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("frame: new zstd writer: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, fmt.Errorf("frame: write: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("frame: close: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressZstd decompresses a single standalone zstd frame.
func DecompressZstd(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("frame: new zstd reader: %w", err)
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("frame: decompress: %w", err)
	}
	return out, nil
}
