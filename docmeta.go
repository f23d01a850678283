package fedstore

import (
	"sync"

	"github.com/localcloud/fedstore/docid"
)

// Fingerprint is a stable, opaque identifier for a document that is shared
// across tiers.
type Fingerprint string

// MutationType classifies a single document mutation.
type MutationType byte

const (
	MutationCreated MutationType = iota + 1
	MutationUpdated
	MutationDeleted
)

func (m MutationType) String() string {
	switch m {
	case MutationCreated:
		return "created"
	case MutationUpdated:
		return "updated"
	case MutationDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Consistency is the per-tier durability stage a snapshot event was
// observed at.
type Consistency byte

const (
	// ConsistencyWritten means the mutation is local-only durable on the
	// tier that produced it; the tier may still roll it back.
	ConsistencyWritten Consistency = iota + 1
	// ConsistencyCommitted means the mutation is durable and visible to
	// all readers on the tier that produced it.
	ConsistencyCommitted
)

// DocMetaFileRef identifies a document and, optionally, one associated
// file, for deletion.
type DocMetaFileRef struct {
	Fingerprint Fingerprint
	UUID        *docid.UUID
	DocFile     *string
}

// DocInfo is the small header carried with every document revision.
type DocInfo struct {
	Fingerprint    Fingerprint
	UUID           docid.UUID
	Nonce          string
	DocMetaFileRef *DocMetaFileRef
}

// DocMeta is the full document metadata payload. Its schema is opaque to
// this package beyond the fields DocInfo already exposes.
type DocMeta map[string]any

// DocInfoProvider lazily supplies a DocInfo. It is safe to call multiple
// times; DocMetaMutation wraps it so it only executes once per mutation.
type DocInfoProvider func() (DocInfo, error)

// DocMetaProvider lazily supplies a DocMeta.
type DocMetaProvider func() (DocMeta, error)

// onceInfo memoizes a DocInfoProvider so "called at most once per
// consumer" holds even under concurrent callers.
type onceInfo struct {
	once sync.Once
	info DocInfo
	err  error
	fn   DocInfoProvider
}

func newOnceInfo(fn DocInfoProvider) *onceInfo {
	return &onceInfo{fn: fn}
}

func (o *onceInfo) Get() (DocInfo, error) {
	o.once.Do(func() { o.info, o.err = o.fn() })
	return o.info, o.err
}

type onceMeta struct {
	once sync.Once
	meta DocMeta
	err  error
	fn   DocMetaProvider
}

func newOnceMeta(fn DocMetaProvider) *onceMeta {
	return &onceMeta{fn: fn}
}

func (o *onceMeta) Get() (DocMeta, error) {
	o.once.Do(func() { o.meta, o.err = o.fn() })
	return o.meta, o.err
}

// DocMetaMutation describes one document mutation observed on a tier.
// Providers are memoized: calling DocInfo or DocMeta more than once
// returns the first result without re-invoking the underlying callback.
type DocMetaMutation struct {
	Fingerprint  Fingerprint
	MutationType MutationType

	infoOnce *onceInfo
	metaOnce *onceMeta
}

// NewDocMetaMutation builds a mutation record wrapping the given providers
// so each is invoked at most once regardless of how many consumers call
// DocInfo/DocMeta.
func NewDocMetaMutation(fp Fingerprint, mt MutationType, infoFn DocInfoProvider, metaFn DocMetaProvider) DocMetaMutation {
	m := DocMetaMutation{Fingerprint: fp, MutationType: mt}
	if infoFn != nil {
		m.infoOnce = newOnceInfo(infoFn)
	}
	if metaFn != nil {
		m.metaOnce = newOnceMeta(metaFn)
	}
	return m
}

// DocInfo invokes the wrapped DocInfoProvider, memoized.
func (m DocMetaMutation) DocInfo() (DocInfo, error) {
	if m.infoOnce == nil {
		return DocInfo{}, nil
	}
	return m.infoOnce.Get()
}

// DocMeta invokes the wrapped DocMetaProvider, memoized.
func (m DocMetaMutation) DocMeta() (DocMeta, error) {
	if m.metaOnce == nil {
		return nil, nil
	}
	return m.metaOnce.Get()
}

// Batch marks a snapshot event as belonging to a numbered batch, and
// whether that batch has been fully delivered.
type Batch struct {
	ID         int
	Terminated bool
}

// DocMetaSnapshotEvent is the unit of delivery from a tier's snapshot
// stream, and the unit the facade re-emits to its own listeners.
type DocMetaSnapshotEvent struct {
	Consistency      Consistency
	Batch            *Batch
	DocMetaMutations []DocMetaMutation
}

// IsInitialBatchDone reports whether this event is the committed,
// batch-terminated marker that releases an Initial-Snapshot Latch.
func (e DocMetaSnapshotEvent) IsInitialBatchDone() bool {
	return e.Consistency == ConsistencyCommitted && e.Batch != nil && e.Batch.Terminated
}

// SyncSide identifies which tier a synchronization event applied to.
type SyncSide byte

const (
	SideLocal SyncSide = iota + 1
	SideCloud
)

func (s SyncSide) String() string {
	if s == SideLocal {
		return "local"
	}
	return "cloud"
}

// SynchronizationEvent extends a snapshot event with the tier it was
// applied to; emitted by the Replicating Listener and the Two-Way
// Reconciler.
type SynchronizationEvent struct {
	DocMetaSnapshotEvent
	Dest SyncSide
}

// FileSyncState tracks a file's transfer progress across tiers.
type FileSyncState byte

const (
	FileSyncPending FileSyncState = iota + 1
	FileSyncTransferring
	FileSyncDone
	FileSyncFailed
)

// FileSynchronizationEvent is reserved for file-transfer observers. The
// facade accepts listeners for it, but no code in this package emits one.
type FileSynchronizationEvent struct {
	DocMetaFileRef DocMetaFileRef
	State          FileSyncState
}
