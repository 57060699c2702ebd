// Package snapshot orchestrates the lifecycle operations that sit above
// a single archive or a layered store: streaming, all-or-nothing export;
// transcoding import with five install modes; and the periodic GC that
// collapses the writable backend into a fresh archive.
//
// Every on-disk mutation follows the same temp-file-then-rename shape:
// either the final path holds a complete artifact, or nothing changed.
// Long-running concurrent stages (the GC's write capture alongside its
// export) are joined with golang.org/x/sync/errgroup.
package snapshot

import (
	"context"
	"fmt"
	"os"

	"github.com/forest-chain/forest-archive/archive"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	mh "github.com/multiformats/go-multihash"
)

var log = logging.Logger("snapshot")

// digestHashAlgo is the multihash code used for ExportResult.Digest: the
// same blake2b-256 the compact CID path already depends on, rather than
// an unrelated hash for a single summary checksum.
const digestHashAlgo = mh.BLAKE2B_MIN + 31

// V2Options carries the FRC-0108 metadata an Export call prepends when
// producing a v2 snapshot. Leave nil for a plain v1 archive.
type V2Options struct {
	HeadTipsetKey []cid.Cid
	F3Data        []byte
}

// ExportOptions configures one Export call.
type ExportOptions struct {
	// Tripwire overrides the frame codec's finalize threshold. Zero uses
	// frame.DefaultTripwire.
	Tripwire int
	// LoadFactor overrides the index build's target load factor. Zero
	// uses forestindex.DefaultLoadFactor.
	LoadFactor float64
	// V2, if set, requests a v2-metadata archive instead of a plain v1
	// one.
	V2 *V2Options
}

// ExportResult is what Export returns: the path of the finalized archive
// and a digest of its bytes.
type ExportResult struct {
	Path   string
	Digest mh.Multihash
}

// Export streams walker's blocks into a new archive named name+archive.FileSuffix
// under dir, using roots as the v1 header roots (ignored when opts.V2 is
// set, per archive.Encoder.BeginV2's single-metadata-root rule). On any
// failure the partially-written temp file is removed and no archive is
// left behind: an export either succeeds completely or leaves no trace.
func Export(ctx context.Context, dir, name string, roots []cid.Cid, walker archive.BlockIterator, opts ExportOptions) (*ExportResult, error) {
	enc, err := archive.NewEncoder(dir, name, archive.EncodeOptions{Tripwire: opts.Tripwire, LoadFactor: opts.LoadFactor})
	if err != nil {
		return nil, fmt.Errorf("snapshot: export: %w", err)
	}

	if opts.V2 != nil {
		if err := enc.BeginV2(opts.V2.HeadTipsetKey, opts.V2.F3Data); err != nil {
			enc.Abort()
			return nil, fmt.Errorf("snapshot: export: write v2 header: %w", err)
		}
	} else {
		if err := enc.Begin(roots); err != nil {
			enc.Abort()
			return nil, fmt.Errorf("snapshot: export: write header: %w", err)
		}
	}

	if err := enc.Consume(ctx, walker); err != nil {
		if abortErr := enc.Abort(); abortErr != nil {
			log.Warnf("snapshot: export: abort after failed consume: %v", abortErr)
		}
		return nil, fmt.Errorf("snapshot: export: %w", err)
	}

	path, err := enc.Finalize()
	if err != nil {
		if abortErr := enc.Abort(); abortErr != nil {
			log.Warnf("snapshot: export: abort after failed finalize: %v", abortErr)
		}
		return nil, fmt.Errorf("snapshot: export: %w", err)
	}

	digest, err := digestFile(path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("snapshot: export: digest %s: %w", path, err)
	}
	log.Infof("snapshot: exported %s", path)
	return &ExportResult{Path: path, Digest: digest}, nil
}

func digestFile(path string) (mh.Multihash, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return mh.SumStream(f, digestHashAlgo, -1)
}
