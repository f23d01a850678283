package fedstore

import (
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/localcloud/fedstore/docid"
	"github.com/localcloud/fedstore/fanout"
)

// DefaultDedupCacheSize bounds how many (fingerprint, uuid) pairs a Dedup
// Listener remembers. The set is per-listener and lives for the listener's
// lifetime (spec §4.3); bounding it trades perfect recall of very old rows
// for constant memory, matching how the reference implementation bounds
// its own hash caches.
const DefaultDedupCacheSize = 100_000

// DedupListener wraps a downstream listener and suppresses redelivery of a
// (fingerprint, uuid) pair it has already forwarded (spec §4.3, C3). The
// same committed row is often observed both by a tier's own snapshot and
// again through the reconciliation-emitted synthetic event; this is what
// keeps the caller from seeing it twice.
type DedupListener struct {
	seen       *lru.Cache[uint64, struct{}]
	downstream fanout.Listener[DocMetaSnapshotEvent]
}

// WrapDedup builds a Dedup Listener forwarding surviving mutations to
// downstream.
func WrapDedup(downstream fanout.Listener[DocMetaSnapshotEvent]) *DedupListener {
	cache, _ := lru.New[uint64, struct{}](DefaultDedupCacheSize)
	return &DedupListener{seen: cache, downstream: downstream}
}

// Forward filters e down to mutations whose (fingerprint, uuid) has not
// already been forwarded, then delivers the filtered event downstream. If
// every mutation in e was already seen, the event is dropped entirely; an
// event that carried no mutations to begin with (such as a batch-terminated
// marker) is always delivered.
func (d *DedupListener) Forward(e DocMetaSnapshotEvent) {
	kept := make([]DocMetaMutation, 0, len(e.DocMetaMutations))
	for _, mut := range e.DocMetaMutations {
		info, err := mut.DocInfo()
		if err != nil {
			// No stable key to dedup on; err on the side of delivery.
			kept = append(kept, mut)
			continue
		}
		key := dedupKey(mut.Fingerprint, info.UUID)
		if _, ok := d.seen.Get(key); ok {
			dedupSuppressed.WithLabelValues("snapshot").Inc()
			continue
		}
		d.seen.Add(key, struct{}{})
		kept = append(kept, mut)
	}
	if len(kept) == 0 && len(e.DocMetaMutations) > 0 {
		return
	}
	e.DocMetaMutations = kept
	d.downstream(e)
}

func dedupKey(fp Fingerprint, u docid.UUID) uint64 {
	digest := xxhash.New()
	_, _ = digest.WriteString(string(fp))
	_, _ = digest.Write([]byte{0})
	_, _ = digest.WriteString(u.String())
	return digest.Sum64()
}
