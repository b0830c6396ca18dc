package storage

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

func newChecksum() *xxhash.Digest {
	return xxhash.New()
}

// checksumString renders a digest the way outcomes and state records carry it.
func checksumString(h *xxhash.Digest) string {
	return fmt.Sprintf("%016x", h.Sum64())
}
