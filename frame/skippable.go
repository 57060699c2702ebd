package frame

import (
	"encoding/binary"
	"fmt"
)

// skippableMagicBase is the low end of the zstd skippable-frame magic
// range (0x184D2A50-0x184D2A5F). Standard zstd/CAR tooling skips these
// frames outright, which is what lets a Forest archive's index and footer
// coexist with plain CARv1 readers.
const skippableMagicBase uint32 = 0x184D2A50

// EncodeSkippableFrame wraps payload in a zstd skippable frame carrying
// subtype (0-15) in the low nibble of the magic number.
func EncodeSkippableFrame(subtype uint8, payload []byte) []byte {
	if subtype > 0x0F {
		panic("frame: skippable subtype out of range")
	}
	out := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], skippableMagicBase+uint32(subtype))
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(payload)))
	copy(out[8:], payload)
	return out
}

// DecodeSkippableHeader parses only the 8-byte skippable-frame header
// (magic + size), without requiring the payload to already be present in
// hdr. Used when the payload may be large and hasn't been read yet.
func DecodeSkippableHeader(hdr []byte) (subtype uint8, payloadSize uint32, err error) {
	if len(hdr) < 8 {
		return 0, 0, fmt.Errorf("frame: skippable frame header truncated")
	}
	magic := binary.LittleEndian.Uint32(hdr[0:4])
	if magic < skippableMagicBase || magic > skippableMagicBase+0x0F {
		return 0, 0, fmt.Errorf("frame: not a skippable frame (magic %#x)", magic)
	}
	return uint8(magic - skippableMagicBase), binary.LittleEndian.Uint32(hdr[4:8]), nil
}

// DecodeSkippableFrame parses the skippable-frame header at the start of
// buf and returns its subtype and payload slice (aliasing buf).
func DecodeSkippableFrame(buf []byte) (subtype uint8, payload []byte, err error) {
	if len(buf) < 8 {
		return 0, nil, fmt.Errorf("frame: skippable frame header truncated")
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic < skippableMagicBase || magic > skippableMagicBase+0x0F {
		return 0, nil, fmt.Errorf("frame: not a skippable frame (magic %#x)", magic)
	}
	size := binary.LittleEndian.Uint32(buf[4:8])
	if uint64(len(buf)) < uint64(8)+uint64(size) {
		return 0, nil, fmt.Errorf("frame: skippable frame payload truncated")
	}
	return uint8(magic - skippableMagicBase), buf[8 : 8+size], nil
}
