package archive

import "github.com/google/uuid"

// newArchiveID mints a fresh per-open-handle identifier. A layered store
// combines this with a frame_offset to build a globally unique frame
// cache key, so two archives that happen to agree on a frame_offset (e.g.
// two archives produced by the same tripwire schedule) never collide.
func newArchiveID() string {
	return uuid.NewString()
}
