package fedstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/localcloud/fedstore/docid"
	"github.com/localcloud/fedstore/dserrors"
	"github.com/localcloud/fedstore/fanout"
	"github.com/localcloud/fedstore/utils"
	"github.com/pkg/errors"
)

// MemDatastore is a single-process, in-memory Datastore. It exists to drive
// this package's own tests and to serve as a runnable stand-in for a real
// tier: both roles a concrete storage backend would otherwise have to play
// (spec §6 keeps concrete tiers external, but something has to sit behind
// the contract for a test to observe anything).
type MemDatastore struct {
	name string
	log  utils.Logger

	mu     sync.Mutex
	docs   map[Fingerprint]memDoc
	files  map[fileKey][]byte
	closed bool
	nextBatch int

	dispatch *fanout.Dispatcher[DocMetaSnapshotEvent]
}

type memDoc struct {
	info DocInfo
	meta DocMeta
}

type fileKey struct {
	backend     Fingerprint
	fingerprint Fingerprint
	docFile     string
}

// NewMemDatastore builds an empty tier named name (used only in log lines).
func NewMemDatastore(name string, log utils.Logger) *MemDatastore {
	onPanic := func(recovered any) {
		if log != nil {
			log.Warn("mem datastore listener panicked", "tier", name, "recovered", recovered)
		}
	}
	return &MemDatastore{
		name:     name,
		log:      log,
		docs:     make(map[Fingerprint]memDoc),
		files:    make(map[fileKey][]byte),
		dispatch: fanout.New[DocMetaSnapshotEvent](onPanic),
	}
}

// Init is a no-op; MemDatastore holds no external resources to acquire. It
// does not reopen a tier that Stop has closed.
func (m *MemDatastore) Init(ctx context.Context, errorListener ErrorListener) (InitResult, error) {
	return InitResult{Detail: m.name}, nil
}

// Stop marks the tier closed. Further Write/Delete calls report
// dserrors.ErrClosed.
func (m *MemDatastore) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Contains reports whether fp has a live (non-deleted) entry.
func (m *MemDatastore) Contains(ctx context.Context, fp Fingerprint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.docs[fp]
	return ok, nil
}

// GetDocMeta returns the stored metadata for fp.
func (m *MemDatastore) GetDocMeta(ctx context.Context, fp Fingerprint) (DocMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[fp]
	if !ok {
		return nil, errors.Wrapf(dserrors.ErrUnknownDocument, "mem datastore %s: %q", m.name, fp)
	}
	return d.meta, nil
}

// GetDocMetaFiles enumerates every stored fingerprint and its current UUID.
func (m *MemDatastore) GetDocMetaFiles(ctx context.Context) ([]DocMetaRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DocMetaRef, 0, len(m.docs))
	for fp, d := range m.docs {
		out = append(out, DocMetaRef{Fingerprint: fp, UUID: d.info.UUID})
	}
	return out, nil
}

// WriteFile stores data under (backend, ref) unconditionally.
func (m *MemDatastore) WriteFile(ctx context.Context, backend string, ref DocMetaFileRef, data []byte, meta DocMeta) (DatastoreFile, error) {
	m.mu.Lock()
	m.files[fileKeyFor(backend, ref)] = append([]byte(nil), data...)
	m.mu.Unlock()
	return DatastoreFile{Fingerprint: ref.Fingerprint, Backend: backend, Size: int64(len(data))}, nil
}

// GetFile returns a handle describing the file stored under (backend, ref),
// or nil if absent; the bytes themselves are not returned.
func (m *MemDatastore) GetFile(ctx context.Context, backend string, ref DocMetaFileRef) (*DatastoreFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[fileKeyFor(backend, ref)]
	if !ok {
		return nil, nil
	}
	return &DatastoreFile{Fingerprint: ref.Fingerprint, Backend: backend, Size: int64(len(data))}, nil
}

// ContainsFile reports whether (backend, ref) has stored bytes.
func (m *MemDatastore) ContainsFile(ctx context.Context, backend string, ref DocMetaFileRef) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[fileKeyFor(backend, ref)]
	return ok, nil
}

// DeleteFile removes stored bytes for (backend, ref), if present.
func (m *MemDatastore) DeleteFile(ctx context.Context, backend string, ref DocMetaFileRef) error {
	m.mu.Lock()
	delete(m.files, fileKeyFor(backend, ref))
	m.mu.Unlock()
	return nil
}

// Write applies a create/update, enforcing last-writer-wins by UUID: a write
// whose UUID is not newer than the currently stored one is treated as an
// already-applied replay and resolved successfully without changing state,
// matching the idempotence invariant continuous replication depends on
// (spec §5, invariant 4). A missing Nonce is filled in with a random one,
// mirroring how a real tier stamps its own tie-break value.
func (m *MemDatastore) Write(ctx context.Context, fp Fingerprint, data DocMeta, info DocInfo, stage *WriteStage) {
	if info.Nonce == "" {
		info.Nonce = uuid.NewString()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		stage.Reject(errors.Wrapf(dserrors.ErrClosed, "mem datastore %s", m.name))
		return
	}
	existing, had := m.docs[fp]
	if had && !docid.Newer(info.UUID, existing.info.UUID) {
		// Not strictly newer than what is already stored: either a stale
		// write or a replay of the same revision. Both resolve as a
		// successful no-op, per the idempotence invariant.
		m.mu.Unlock()
		stage.ResolveWritten()
		stage.ResolveCommitted()
		return
	}
	mutationType := MutationCreated
	if had {
		mutationType = MutationUpdated
	}
	m.docs[fp] = memDoc{info: info, meta: data}
	m.mu.Unlock()

	stage.ResolveWritten()
	stage.ResolveCommitted()

	m.emit(ConsistencyCommitted, nil, NewDocMetaMutation(fp, mutationType,
		func() (DocInfo, error) { return info, nil },
		func() (DocMeta, error) { return data, nil }))
}

// Delete removes fp, if present, and is idempotent: deleting an
// already-absent fingerprint succeeds without emitting a further event.
func (m *MemDatastore) Delete(ctx context.Context, ref DocMetaFileRef, stage *WriteStage) (DeleteResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		err := errors.Wrapf(dserrors.ErrClosed, "mem datastore %s", m.name)
		stage.Reject(err)
		return DeleteResult{}, err
	}
	existing, had := m.docs[ref.Fingerprint]
	delete(m.docs, ref.Fingerprint)
	m.mu.Unlock()

	stage.ResolveWritten()
	stage.ResolveCommitted()

	if !had {
		return DeleteResult{Detail: "absent"}, nil
	}

	info := existing.info
	m.emit(ConsistencyCommitted, nil, NewDocMetaMutation(ref.Fingerprint, MutationDeleted,
		func() (DocInfo, error) { return info, nil },
		func() (DocMeta, error) { return nil, nil }))
	return DeleteResult{Detail: "removed"}, nil
}

// Snapshot registers listener for every subsequent Write/Delete, then
// replays the current contents as one committed, batch-terminated event so
// an Initial-Snapshot Latch attached afterwards has something to release on
// (spec §4.2, §4.4).
func (m *MemDatastore) Snapshot(ctx context.Context, listener SnapshotListener, errorListener ErrorListener) (SnapshotHandle, error) {
	m.mu.Lock()
	m.nextBatch++
	batchID := m.nextBatch
	rows := make([]DocMetaMutation, 0, len(m.docs))
	for fp, d := range m.docs {
		info, doc := d.info, d.meta
		rows = append(rows, NewDocMetaMutation(fp, MutationCreated,
			func() (DocInfo, error) { return info, nil },
			func() (DocMeta, error) { return doc, nil }))
	}
	m.mu.Unlock()

	token := m.dispatch.AddListener(fanout.Listener[DocMetaSnapshotEvent](listener))

	batch := &Batch{ID: batchID, Terminated: true}
	listener(DocMetaSnapshotEvent{Consistency: ConsistencyCommitted, Batch: batch, DocMetaMutations: rows})

	return SnapshotHandle{Unsubscribe: func() { m.dispatch.RemoveListener(token) }}, nil
}

func (m *MemDatastore) emit(consistency Consistency, batch *Batch, mut DocMetaMutation) {
	m.dispatch.Dispatch(DocMetaSnapshotEvent{Consistency: consistency, Batch: batch, DocMetaMutations: []DocMetaMutation{mut}})
}

func fileKeyFor(backend string, ref DocMetaFileRef) fileKey {
	docFile := ""
	if ref.DocFile != nil {
		docFile = *ref.DocFile
	}
	return fileKey{backend: Fingerprint(backend), fingerprint: ref.Fingerprint, docFile: docFile}
}
