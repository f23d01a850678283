package fedstore

import (
	"context"

	"github.com/localcloud/fedstore/docid"
)

// InitResult carries whatever a tier wants to report back from Init; it is
// opaque to the facade beyond being a success marker.
type InitResult struct {
	Detail string
}

// DeleteResult carries whatever a tier wants to report back from Delete.
type DeleteResult struct {
	Detail string
}

// DatastoreFile is the handle a tier returns for a stored file. Its
// contents are opaque to this package; file bytes are the tier's concern.
type DatastoreFile struct {
	Fingerprint Fingerprint
	Backend     string
	Size        int64
}

// DocMetaRef names one document stored on a tier, for enumeration.
type DocMetaRef struct {
	Fingerprint Fingerprint
	UUID        docid.UUID
}

// SnapshotHandle is returned by Snapshot; Unsubscribe (if non-nil) tears
// down the underlying subscription.
type SnapshotHandle struct {
	Unsubscribe func()
}

// SnapshotListener receives every event a tier's snapshot stream produces.
type SnapshotListener func(DocMetaSnapshotEvent)

// ErrorListener receives errors that a component recovered from rather
// than propagating.
type ErrorListener func(error)

// Datastore is the contract each tier (local, cloud) must satisfy. It is
// the external interface named in spec §6; concrete implementations (disk
// files, a cloud document store) are out of this package's scope.
type Datastore interface {
	Init(ctx context.Context, errorListener ErrorListener) (InitResult, error)
	Stop(ctx context.Context) error

	Contains(ctx context.Context, fp Fingerprint) (bool, error)
	GetDocMeta(ctx context.Context, fp Fingerprint) (DocMeta, error)
	GetDocMetaFiles(ctx context.Context) ([]DocMetaRef, error)

	WriteFile(ctx context.Context, backend string, ref DocMetaFileRef, data []byte, meta DocMeta) (DatastoreFile, error)
	GetFile(ctx context.Context, backend string, ref DocMetaFileRef) (*DatastoreFile, error)
	ContainsFile(ctx context.Context, backend string, ref DocMetaFileRef) (bool, error)
	DeleteFile(ctx context.Context, backend string, ref DocMetaFileRef) error

	// Write and Delete take a WriteStage whose stage signals the tier
	// must resolve as it makes progress; see WriteCoordinator.
	Write(ctx context.Context, fp Fingerprint, data DocMeta, info DocInfo, stage *WriteStage)
	Delete(ctx context.Context, ref DocMetaFileRef, stage *WriteStage) (DeleteResult, error)

	Snapshot(ctx context.Context, listener SnapshotListener, errorListener ErrorListener) (SnapshotHandle, error)
}
