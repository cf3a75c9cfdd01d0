package backend

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shaitan/eblob/internal/blobfile"
)

// newMmapCache returns an LRU set of at most maxMapped sealed bases
// allowed an active mmap reader at once; evicting a base from the
// cache closes its mapping.
func newMmapCache(maxMapped int) *lru.Cache[uint64, *blobfile.Base] {
	if maxMapped <= 0 {
		maxMapped = 1
	}
	cache, _ := lru.NewWithEvict[uint64, *blobfile.Base](maxMapped, func(_ uint64, base *blobfile.Base) {
		base.DisableMmap()
	})
	return cache
}

// trackMmapped registers base as holding an active mmap reader,
// evicting the least-recently-used entry (closing its mapping) if the
// cache is already at capacity.
func (b *Backend) trackMmapped(base *blobfile.Base) {
	b.mmapCache.Add(base.ID, base)
}
