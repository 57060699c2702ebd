// Package archive implements a single Forest CAR archive: a CARv1-header
// frame, a run of zstd-compressed data frames holding (cid, data) records,
// an embedded Robin-Hood index frame, and a trailing footer that locates
// it. The on-disk layout is designed so that a plain zstd decompressor
// fed the whole file (skipping the skippable index/footer frames)
// reconstructs a byte-identical CARv1 stream.
package archive

import (
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
)

func init() {
	cbor.RegisterCborType(MetadataV2{})
}

// FileSuffix is the canonical extension for a finalized archive file.
const FileSuffix = ".forest.car.zst"

// TempSuffix is the extension used for an archive still being written.
// The suffix already contains FileSuffix so a temp path is simply
// name+TempSuffix, not name+FileSuffix+".tmp".
const TempSuffix = FileSuffix + ".tmp"

// Skippable-frame subtypes used within the low nibble of the zstd
// skippable magic. 0 is reserved for the footer so that its first four
// bytes are always the literal 0x184D2A50 magic regardless of archive
// contents.
const (
	footerSubtype      uint8 = 0
	indexFrameSubtype  uint8 = 1
	footerSize               = 16
	footerPayloadSize        = 8
)

// MetadataV2 is the optional FRC-0108-style snapshot metadata block. When
// present, the header frame's single root CID points to this block
// instead of naming the chain tipset directly.
type MetadataV2 struct {
	Version       uint64    `json:"version"`
	HeadTipsetKey []cid.Cid `json:"head_tipset_key"`
	F3Data        *cid.Cid  `json:"f3_data"`
}

// TipsetKey is the set of block-header CIDs naming one tipset.
type TipsetKey []cid.Cid

// ValidationReport is the outcome of a full streaming validation pass
// (Reader.Validate): every record decoded, every CID rehashed against its
// data, and every record cross-checked against the index.
type ValidationReport struct {
	RecordsValidated     int
	CIDMismatches        int
	OrphanedIndexEntries int
}

// Valid reports whether the archive passed validation with no defects.
func (v *ValidationReport) Valid() bool {
	return v.CIDMismatches == 0 && v.OrphanedIndexEntries == 0
}
