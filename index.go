package fedstore

import (
	"sync"

	"github.com/localcloud/fedstore/docid"
)

// IndexEntry is one Comparison Index row: the version and tie-break nonce
// last observed locally for a fingerprint.
type IndexEntry struct {
	UUID  docid.UUID
	Nonce string
}

// ComparisonIndex is the in-memory fingerprint -> {uuid, nonce} map used to
// decide whether an incoming mutation is newer than what the local side
// holds (spec §4.1, C1). It is side-effect-free beyond its own map and
// serializes access under a single exclusive lock, matching the invariant
// that after every successful local write/delete the index reflects the
// post-condition.
type ComparisonIndex struct {
	lock    sync.Mutex
	entries map[Fingerprint]IndexEntry
}

// NewComparisonIndex builds an empty index.
func NewComparisonIndex() *ComparisonIndex {
	return &ComparisonIndex{entries: make(map[Fingerprint]IndexEntry)}
}

// Put overwrites the entry for info.Fingerprint unconditionally. Callers
// that want newer-wins semantics must consult Get first.
func (idx *ComparisonIndex) Put(info DocInfo) {
	idx.lock.Lock()
	idx.entries[info.Fingerprint] = IndexEntry{UUID: info.UUID, Nonce: info.Nonce}
	idx.lock.Unlock()
}

// Remove deletes the entry for fp, if present.
func (idx *ComparisonIndex) Remove(fp Fingerprint) {
	idx.lock.Lock()
	delete(idx.entries, fp)
	idx.lock.Unlock()
}

// Get returns the entry for fp, if present.
func (idx *ComparisonIndex) Get(fp Fingerprint) (IndexEntry, bool) {
	idx.lock.Lock()
	defer idx.lock.Unlock()
	e, ok := idx.entries[fp]
	return e, ok
}

// Contains reports whether fp has an entry.
func (idx *ComparisonIndex) Contains(fp Fingerprint) bool {
	idx.lock.Lock()
	defer idx.lock.Unlock()
	_, ok := idx.entries[fp]
	return ok
}

// Len reports the number of tracked fingerprints; a test and metrics hook.
func (idx *ComparisonIndex) Len() int {
	idx.lock.Lock()
	defer idx.lock.Unlock()
	return len(idx.entries)
}
