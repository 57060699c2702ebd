package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forest-chain/forest-archive/canon"
	"github.com/forest-chain/forest-archive/forestindex"
	"github.com/forest-chain/forest-archive/frame"
	"github.com/forest-chain/forest-archive/tooling"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	carv1 "github.com/ipld/go-car"
	mh "github.com/multiformats/go-multihash"
)

// BlockIterator pulls one (cid, data) pair at a time. A streaming export
// walks the chain and implements this interface directly rather than
// buffering the whole traversal, so the encoder never needs to hold more
// than one frame's worth of blocks in memory.
type BlockIterator interface {
	// Next returns the next block. ok is false once the sequence is
	// exhausted; err is set only on a genuine read/walk failure.
	Next(ctx context.Context) (c cid.Cid, data []byte, ok bool, err error)
}

// EncodeOptions configures a new archive's write parameters.
type EncodeOptions struct {
	// Tripwire is the compressed-size threshold at which a data frame is
	// finalized. Zero uses frame.DefaultTripwire.
	Tripwire int
	// LoadFactor overrides the index's target load factor. Zero uses
	// forestindex.DefaultLoadFactor.
	LoadFactor float64
}

// Encoder streams an archive to a temp file in the target directory and
// only renames it into place once every frame, the index and the footer
// have been written and fsynced.
type Encoder struct {
	dir       string
	name      string
	tmpPath   string
	finalPath string

	out *tooling.BufferedWritableFile
	fw  *frame.Writer
	idx *forestindex.Builder

	offset            uint64
	currentFrameStart uint64
	headerWritten     bool
	finalized         bool
	aborted           bool
}

// NewEncoder opens a temp file named name+TempSuffix in dir. The final
// archive, once Finalize succeeds, is renamed to name+FileSuffix.
func NewEncoder(dir, name string, opts EncodeOptions) (*Encoder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", dir, err)
	}
	tmpPath := filepath.Join(dir, name+TempSuffix)
	finalPath := filepath.Join(dir, name+FileSuffix)

	out, err := tooling.NewBufferedWritableFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", tmpPath, err)
	}
	fw, err := frame.NewWriter(opts.Tripwire)
	if err != nil {
		out.Abort()
		os.Remove(tmpPath)
		return nil, err
	}
	idx := forestindex.NewBuilder()
	if opts.LoadFactor > 0 {
		idx.SetLoadFactor(opts.LoadFactor)
	}

	return &Encoder{
		dir:       dir,
		name:      name,
		tmpPath:   tmpPath,
		finalPath: finalPath,
		out:       out,
		fw:        fw,
		idx:       idx,
	}, nil
}

// Begin writes the CARv1 header frame naming roots directly (a plain v1
// archive). Exactly one of Begin or BeginV2 must be called before any
// AddBlock/Consume call.
func (e *Encoder) Begin(roots []cid.Cid) error {
	if len(roots) == 0 {
		return fmt.Errorf("archive: header requires at least one root")
	}
	return e.writeHeaderFrame(roots)
}

// BeginV2 writes the header frame with a single root pointing at the
// metadata block, then writes the metadata block and the F3 sidecar block
// as two dedicated data frames (forced to finalize immediately regardless
// of the tripwire).
func (e *Encoder) BeginV2(headTipsetKey []cid.Cid, f3Data []byte) error {
	f3CID, err := rawBlockCID(f3Data)
	if err != nil {
		return fmt.Errorf("archive: hash f3 data: %w", err)
	}
	meta := MetadataV2{Version: 2, HeadTipsetKey: headTipsetKey, F3Data: &f3CID}
	metaBytes, err := cbor.DumpObject(&meta)
	if err != nil {
		return fmt.Errorf("archive: encode v2 metadata: %w", err)
	}
	metaCID, err := dagCBORBlockCID(metaBytes)
	if err != nil {
		return fmt.Errorf("archive: hash v2 metadata: %w", err)
	}

	if err := e.writeHeaderFrame([]cid.Cid{metaCID}); err != nil {
		return err
	}
	if err := e.addBlock(metaCID, metaBytes, true); err != nil {
		return fmt.Errorf("archive: write v2 metadata block: %w", err)
	}
	if err := e.addBlock(f3CID, f3Data, true); err != nil {
		return fmt.Errorf("archive: write f3 sidecar block: %w", err)
	}
	return nil
}

func rawBlockCID(data []byte) (cid.Cid, error) {
	digest, err := mh.Sum(data, canon.CompactHashAlgo, canon.CompactDigestLen)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, digest), nil
}

func dagCBORBlockCID(data []byte) (cid.Cid, error) {
	digest, err := mh.Sum(data, canon.CompactHashAlgo, canon.CompactDigestLen)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(canon.CompactCodec, digest), nil
}

func (e *Encoder) writeHeaderFrame(roots []cid.Cid) error {
	if e.headerWritten {
		return fmt.Errorf("archive: header already written")
	}
	ch := &carv1.CarHeader{Roots: roots, Version: 1}
	var buf bytes.Buffer
	if err := carv1.WriteHeader(ch, &buf); err != nil {
		return fmt.Errorf("archive: encode header: %w", err)
	}
	compressed, err := frame.CompressZstd(buf.Bytes())
	if err != nil {
		return fmt.Errorf("archive: compress header frame: %w", err)
	}
	if _, err := e.out.Write(compressed); err != nil {
		return fmt.Errorf("archive: write header frame: %w", err)
	}
	e.offset += uint64(len(compressed))
	e.headerWritten = true
	return nil
}

// AddBlock adds one chain block to the archive's data frames.
func (e *Encoder) AddBlock(c cid.Cid, data []byte) error {
	if !e.headerWritten {
		return fmt.Errorf("archive: Begin/BeginV2 must be called before AddBlock")
	}
	return e.addBlock(c, data, false)
}

// addBlock writes one record into the current frame. The record's
// summary hash is indexed against the offset the *current* frame will
// occupy once flushed, which is e.offset captured the moment the frame
// was empty (currentFrameStart), not the running total at Add time.
func (e *Encoder) addBlock(c cid.Cid, data []byte, forceFinalize bool) error {
	if !e.fw.HasPending() {
		e.currentFrameStart = e.offset
	}
	hash, err := canon.SummaryHash(c)
	if err != nil {
		return err
	}
	e.idx.Add(hash, e.currentFrameStart)

	finalized, frameBytes, _, err := e.fw.Add(c, data)
	if err != nil {
		return err
	}
	if !finalized && forceFinalize {
		frameBytes, _, err = e.fw.Finalize()
		if err != nil {
			return err
		}
		finalized = true
	}
	if finalized {
		if _, err := e.out.Write(frameBytes); err != nil {
			return fmt.Errorf("archive: write data frame: %w", err)
		}
		e.offset += uint64(len(frameBytes))
	}
	return nil
}

// Consume drains it, adding every block it yields.
func (e *Encoder) Consume(ctx context.Context, it BlockIterator) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, data, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := e.AddBlock(c, data); err != nil {
			return err
		}
	}
}

// Finalize flushes any pending partial frame, writes the index frame and
// footer, fsyncs, and atomically renames the temp file into place. It
// returns the final archive path.
func (e *Encoder) Finalize() (string, error) {
	if !e.headerWritten {
		return "", fmt.Errorf("archive: Begin/BeginV2 was never called")
	}
	if e.fw.HasPending() {
		frameBytes, _, err := e.fw.Finalize()
		if err != nil {
			return "", err
		}
		if _, err := e.out.Write(frameBytes); err != nil {
			return "", fmt.Errorf("archive: write final data frame: %w", err)
		}
		e.offset += uint64(len(frameBytes))
	}

	indexFrameOffset := e.offset
	indexBytes := e.idx.Build()
	sentinel := make([]byte, 4)
	binary.LittleEndian.PutUint32(sentinel, uint32(len(indexBytes)))
	indexPayload := append(indexBytes, sentinel...)
	indexFrame := frame.EncodeSkippableFrame(indexFrameSubtype, indexPayload)
	if _, err := e.out.Write(indexFrame); err != nil {
		return "", fmt.Errorf("archive: write index frame: %w", err)
	}
	e.offset += uint64(len(indexFrame))

	footerPayload := make([]byte, footerPayloadSize)
	binary.LittleEndian.PutUint64(footerPayload, indexFrameOffset)
	footer := frame.EncodeSkippableFrame(footerSubtype, footerPayload)
	if _, err := e.out.Write(footer); err != nil {
		return "", fmt.Errorf("archive: write footer: %w", err)
	}

	if err := e.out.Close(); err != nil {
		return "", fmt.Errorf("archive: sync %s: %w", e.tmpPath, err)
	}
	if err := os.Rename(e.tmpPath, e.finalPath); err != nil {
		return "", fmt.Errorf("archive: rename into place: %w", err)
	}
	e.finalized = true
	return e.finalPath, nil
}

// Abort discards the in-progress archive, removing its temp file. Safe to
// call after a failed AddBlock/Consume/Finalize; a no-op if Finalize
// already succeeded.
func (e *Encoder) Abort() error {
	if e.finalized || e.aborted {
		return nil
	}
	e.aborted = true
	e.out.Abort()
	return os.Remove(e.tmpPath)
}
