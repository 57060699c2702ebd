package snapshot

import (
	"fmt"
	"os"

	"github.com/forest-chain/forest-archive/archive"

	carv2 "github.com/ipld/go-car/v2"
)

// Format identifies what kind of snapshot file a path holds. Tagged-variant
// dispatch rather than an interface: the call sites that care (Import, the
// CLI) want to branch on the concrete kind, not polymorphically read it.
type Format uint8

const (
	FormatUnknown Format = iota
	// FormatForest is this repository's own archive format: zstd-framed
	// CARv1 with an embedded index and footer.
	FormatForest
	// FormatCARv1 is a plain, uncompressed CARv1 file.
	FormatCARv1
	// FormatCARv2 is a CARv2 file (pragma + wrapped CARv1 payload).
	FormatCARv2
)

func (f Format) String() string {
	switch f {
	case FormatForest:
		return "forest-car-zst"
	case FormatCARv1:
		return "car-v1"
	case FormatCARv2:
		return "car-v2"
	default:
		return "unknown"
	}
}

// DetectFormat probes path and classifies it. A Forest archive is
// recognized by its full structural open (footer, index header and
// terminator all parse); a plain CAR file is recognized by carv2's own
// reader, which handles both v1 and v2 layouts and reports which one it
// found. Anything else is FormatUnknown, with no error — an unrecognized
// file is an answer, not a failure.
func DetectFormat(path string) (Format, error) {
	if _, err := os.Stat(path); err != nil {
		return FormatUnknown, fmt.Errorf("snapshot: stat %s: %w", path, err)
	}
	if archive.IsValidStructure(path) {
		return FormatForest, nil
	}
	cr, err := carv2.OpenReader(path)
	if err != nil {
		return FormatUnknown, nil
	}
	defer cr.Close()
	switch cr.Version {
	case 1:
		return FormatCARv1, nil
	case 2:
		return FormatCARv2, nil
	default:
		return FormatUnknown, nil
	}
}
