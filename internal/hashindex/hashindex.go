// Package hashindex is the in-RAM Key -> (base, offset) map the
// backend consults on every read/write/remove. Entries are bucketed
// by a 64-bit SipHash-2-4 "L2" hash of the key, each bucket guarded by
// its own mutex so lookups against different buckets never contend.
package hashindex

import (
	"sync"

	"github.com/dchest/siphash"

	"github.com/shaitan/eblob/internal/recordfmt"
)

// numBuckets is the fixed bucket count. It is a power of two so the
// L2 hash can be mapped to a bucket with a mask instead of a modulo.
const numBuckets = 1024

// l2Key0/l2Key1 key the process-lifetime SipHash instance. They are
// fixed rather than randomized so that L2 hashes (and therefore bloom
// filter probe positions derived from them) are stable across
// restarts of the same process — randomizing per-process would be
// fine for bucket placement alone but would invalidate a sorted
// base's persisted bloom filter on every restart.
const (
	l2Key0 uint64 = 0x9ae16a3b2f90404f
	l2Key1 uint64 = 0xc2b2ae3d27d4eb4f
)

// L2Hash derives the 64-bit secondary hash used both for bucket
// placement here and for bloom-filter probes in internal/bloomfilter.
func L2Hash(key recordfmt.Key) uint64 {
	return siphash.Hash(l2Key0, l2Key1, key[:])
}

// Location identifies where a live record lives.
type Location struct {
	BaseID uint64
	Offset uint64
}

type bucket struct {
	mu      sync.Mutex
	entries map[recordfmt.Key]Location
}

// Index is the in-RAM hash index. The zero value is not usable; use New.
type Index struct {
	buckets [numBuckets]bucket
}

// New returns an empty index.
func New() *Index {
	idx := &Index{}
	for i := range idx.buckets {
		idx.buckets[i].entries = make(map[recordfmt.Key]Location)
	}
	return idx
}

func (idx *Index) bucketFor(key recordfmt.Key) *bucket {
	h := L2Hash(key)
	return &idx.buckets[h&(numBuckets-1)]
}

// Lookup returns the location of key, if present.
func (idx *Index) Lookup(key recordfmt.Key) (Location, bool) {
	b := idx.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	loc, ok := b.entries[key]
	return loc, ok
}

// Put atomically replaces any previous mapping for key with loc. Used
// both by foreground writes and by datasort's post-commit remapping.
func (idx *Index) Put(key recordfmt.Key, loc Location) {
	b := idx.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = loc
}

// Delete removes key's mapping, if any.
func (idx *Index) Delete(key recordfmt.Key) {
	b := idx.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// PutIfAbsent inserts loc only when key has no mapping yet. The
// startup rebuild scans bases newest-first with this, so an older
// base's stale copy of a key can never displace the newest one.
func (idx *Index) PutIfAbsent(key recordfmt.Key, loc Location) {
	b := idx.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.entries[key]; !exists {
		b.entries[key] = loc
	}
}

// Len returns the total number of live entries across all buckets.
func (idx *Index) Len() int {
	total := 0
	for i := range idx.buckets {
		b := &idx.buckets[i]
		b.mu.Lock()
		total += len(b.entries)
		b.mu.Unlock()
	}
	return total
}

// DeleteWhereBase removes every entry pointing at baseID. Used when a
// base is unlinked after datasort to purge any stale mappings that
// were not already overwritten by the commit-phase remap (defensive;
// normally the remap already moved every live key).
func (idx *Index) DeleteWhereBase(baseID uint64) {
	for i := range idx.buckets {
		b := &idx.buckets[i]
		b.mu.Lock()
		for k, loc := range b.entries {
			if loc.BaseID == baseID {
				delete(b.entries, k)
			}
		}
		b.mu.Unlock()
	}
}
