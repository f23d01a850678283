package fedstore

import (
	"context"

	"github.com/localcloud/fedstore/docid"
	"github.com/localcloud/fedstore/fanout"
	"github.com/localcloud/fedstore/utils"
	"github.com/pkg/errors"
)

// ReconcileSide pairs one tier's persistence handle with the SyncDocMap
// accumulated for it by an Initial-Snapshot Latch.
type ReconcileSide struct {
	Persistence Datastore
	SyncMap     SyncDocMap
}

// Reconciler computes and performs the two-way diff copy described in
// spec §4.5, C5. A failed per-document copy is logged and reported; the
// next document is still attempted (partial progress is acceptable, the
// next snapshot run will retry).
type Reconciler struct {
	log utils.Logger
}

// NewReconciler builds a reconciler that logs through log.
func NewReconciler(log utils.Logger) *Reconciler {
	return &Reconciler{log: log}
}

// Synchronize copies every fingerprint present in source.SyncMap that is
// either absent from target or strictly newer on source, from
// source.Persistence to target.Persistence, emitting one synthetic
// DocMetaSnapshotEvent per copy to listener. direction labels metrics
// ("local->cloud" or "cloud->local"); it carries no other meaning.
//
// Deletions present on source but absent from target are not propagated by
// this pass — the facade achieves symmetric handling by calling Synchronize
// twice, once per direction, per spec §4.5 step 2.
func (r *Reconciler) Synchronize(ctx context.Context, direction string, source, target ReconcileSide, listener fanout.Listener[DocMetaSnapshotEvent], errorListener ErrorListener) {
	for _, fp := range sortedFingerprints(source.SyncMap) {
		s := source.SyncMap[fp]
		t, hasTarget := target.SyncMap[fp]

		if hasTarget && docid.Compare(s.UUID, t.UUID) <= 0 {
			continue // target is at least as new; no-op
		}

		if err := r.copyOne(ctx, fp, s, hasTarget, source.Persistence, target.Persistence, listener); err != nil {
			reconcileCopies.WithLabelValues(direction, "error").Inc()
			wrapped := errors.Wrapf(err, "reconcile %s: copy %q", direction, fp)
			r.report(errorListener, wrapped)
			continue
		}
		reconcileCopies.WithLabelValues(direction, "ok").Inc()
	}
}

func (r *Reconciler) copyOne(ctx context.Context, fp Fingerprint, s SyncDoc, hasTarget bool, source, target Datastore, listener fanout.Listener[DocMetaSnapshotEvent]) error {
	meta, err := source.GetDocMeta(ctx, fp)
	if err != nil {
		return errors.Wrap(err, "fetch source doc meta")
	}

	info := DocInfo{Fingerprint: fp, UUID: s.UUID, DocMetaFileRef: s.DocMetaFileRef}
	if err := waitStageCommitted(ctx, func(stage *WriteStage) {
		target.Write(ctx, fp, meta, info, stage)
	}); err != nil {
		return errors.Wrap(err, "write target doc meta")
	}

	mutationType := MutationCreated
	if hasTarget {
		mutationType = MutationUpdated
	}
	synthetic := DocMetaSnapshotEvent{
		Consistency: ConsistencyCommitted,
		DocMetaMutations: []DocMetaMutation{
			NewDocMetaMutation(fp, mutationType,
				func() (DocInfo, error) { return info, nil },
				func() (DocMeta, error) { return meta, nil }),
		},
	}
	listener(synthetic)
	return nil
}

func (r *Reconciler) report(errorListener ErrorListener, err error) {
	if errorListener != nil {
		errorListener(err)
		return
	}
	if r.log != nil {
		r.log.Warn("reconcile: unhandled error", "err", err)
	}
}

// sortedFingerprints returns m's keys in a deterministic order so
// reconciliation (and its tests) do not depend on Go's randomized map
// iteration.
func sortedFingerprints(m SyncDocMap) []Fingerprint {
	h := utils.Heap[string]{}
	for fp := range m {
		h.Push(string(fp))
	}
	out := make([]Fingerprint, 0, h.Len())
	for h.Len() > 0 {
		out = append(out, Fingerprint(h.Pop()))
	}
	return out
}
