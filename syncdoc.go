package fedstore

import "github.com/localcloud/fedstore/docid"

// SyncDoc is a compact snapshot-row describing one document as of a given
// observation.
type SyncDoc struct {
	Fingerprint    Fingerprint
	UUID           docid.UUID
	MutationType   MutationType
	DocMetaFileRef *DocMetaFileRef
}

// SyncDocMap is a fingerprint-keyed collection of SyncDoc rows. Insertion
// order is irrelevant; keys are unique.
type SyncDocMap map[Fingerprint]SyncDoc

// FoldSnapshotEvent folds every mutation in e into m, in place. A later
// mutation for the same fingerprint overwrites an earlier one within the
// same fold, mirroring how a tier's own snapshot stream supersedes its
// earlier rows for a fingerprint as its batch progresses.
func (m SyncDocMap) FoldSnapshotEvent(e DocMetaSnapshotEvent) {
	for _, mut := range e.DocMetaMutations {
		row := SyncDoc{
			Fingerprint:  mut.Fingerprint,
			MutationType: mut.MutationType,
		}
		if info, err := mut.DocInfo(); err == nil {
			row.UUID = info.UUID
			row.DocMetaFileRef = info.DocMetaFileRef
		}
		m[mut.Fingerprint] = row
	}
}
