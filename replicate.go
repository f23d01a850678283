package fedstore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/localcloud/fedstore/fanout"
	"github.com/localcloud/fedstore/utils"
	"github.com/pkg/errors"
)

// ReplicatingListener receives events from both sides' Initial-Snapshot
// Latches and, once initial sync has completed, applies committed
// non-local mutations to the local tier (spec §4.6, C6). It replaces the
// source's two independent listener registrations (initial-capture and
// replicating-forward) with a single state-driven branch, per spec §9.
type ReplicatingListener struct {
	ctx           context.Context
	local         Datastore
	index         *ComparisonIndex
	syncDispatch  *fanout.Dispatcher[SynchronizationEvent]
	errorListener ErrorListener
	forward       fanout.Listener[DocMetaSnapshotEvent]
	log           utils.Logger

	// applyLock serializes mutation application across events so a later
	// committed event can never apply before an earlier one finishes
	// (spec §5).
	applyLock sync.Mutex

	initialSyncCompleted atomic.Bool
}

// NewReplicatingListener builds a listener for one snapshot, scoped
// to ctx for the lifetime of that snapshot's subscriptions. forward is
// called for every event this listener observes, unconditionally, after any
// local application (spec §4.6); it is typically a Dedup Listener wrapping
// the caller's snapshot callback. index is kept in step with every mutation
// this listener actually applies to local, the same way the facade keeps it
// in step with every write or delete it performs directly.
func NewReplicatingListener(ctx context.Context, local Datastore, index *ComparisonIndex, syncDispatch *fanout.Dispatcher[SynchronizationEvent], errorListener ErrorListener, log utils.Logger, forward fanout.Listener[DocMetaSnapshotEvent]) *ReplicatingListener {
	return &ReplicatingListener{
		ctx:           ctx,
		local:         local,
		index:         index,
		syncDispatch:  syncDispatch,
		errorListener: errorListener,
		forward:       forward,
		log:           log,
	}
}

// MarkInitialSyncCompleted flips the state the Handle branch depends on.
// Called once, by the facade, right after the Two-Way Reconciler returns.
func (r *ReplicatingListener) MarkInitialSyncCompleted() {
	r.initialSyncCompleted.Store(true)
}

// InitialSyncCompleted reports whether initial reconciliation has finished.
func (r *ReplicatingListener) InitialSyncCompleted() bool {
	return r.initialSyncCompleted.Load()
}

// Handle processes one event observed on side. Only committed events from
// the non-local side, after initial sync, are applied locally; every event
// is unconditionally forwarded downstream, applied-effects first, so the
// caller sees reconciliation effects before the raw event (spec §4.6).
func (r *ReplicatingListener) Handle(side SyncSide, e DocMetaSnapshotEvent) {
	if r.initialSyncCompleted.Load() && side != SideLocal && e.Consistency == ConsistencyCommitted {
		r.applyLock.Lock()
		r.applyCommitted(r.ctx, e)
		r.applyLock.Unlock()

		r.syncDispatch.Dispatch(SynchronizationEvent{DocMetaSnapshotEvent: e, Dest: SideLocal})
		dispatchDeliveries.WithLabelValues("synchronization").Inc()
	}
	r.forward(e)
}

func (r *ReplicatingListener) applyCommitted(ctx context.Context, e DocMetaSnapshotEvent) {
	for _, mut := range e.DocMetaMutations {
		if err := r.applyOne(ctx, mut); err != nil {
			replicateApplyErrors.WithLabelValues(mut.MutationType.String()).Inc()
			r.report(errors.Wrapf(err, "replicate: apply %s for %q", mut.MutationType, mut.Fingerprint))
		}
	}
}

func (r *ReplicatingListener) applyOne(ctx context.Context, mut DocMetaMutation) error {
	switch mut.MutationType {
	case MutationCreated, MutationUpdated:
		meta, err := mut.DocMeta()
		if err != nil {
			return errors.Wrap(err, "fetch doc meta")
		}
		info, err := mut.DocInfo()
		if err != nil {
			return errors.Wrap(err, "fetch doc info")
		}
		if err := waitStageCommitted(ctx, func(stage *WriteStage) {
			r.local.Write(ctx, mut.Fingerprint, meta, info, stage)
		}); err != nil {
			return err
		}
		if r.index != nil {
			r.index.Put(info)
		}
		return nil
	case MutationDeleted:
		info, err := mut.DocInfo()
		if err != nil {
			return errors.Wrap(err, "fetch doc info")
		}
		ref := DocMetaFileRef{Fingerprint: mut.Fingerprint, UUID: &info.UUID}
		if info.DocMetaFileRef != nil {
			ref.DocFile = info.DocMetaFileRef.DocFile
		}
		if _, err := deleteAndWait(ctx, r.local, ref); err != nil {
			return err
		}
		if r.index != nil {
			r.index.Remove(mut.Fingerprint)
		}
		return nil
	default:
		return errors.Errorf("replicate: unknown mutation type %v", mut.MutationType)
	}
}

func (r *ReplicatingListener) report(err error) {
	if r.errorListener != nil {
		r.errorListener(err)
		return
	}
	if r.log != nil {
		r.log.Warn("replicate: unhandled error", "err", err)
	}
}

// waitStageCommitted runs a tier write and blocks until its committed
// stage resolves (or ctx is done), matching the Replicating Listener's
// synchronous, per-event application model (spec §5).
func waitStageCommitted(ctx context.Context, start func(stage *WriteStage)) error {
	stage := NewWriteStage()
	start(stage)
	select {
	case <-stage.committedCh:
		return stage.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func deleteAndWait(ctx context.Context, ds Datastore, ref DocMetaFileRef) (DeleteResult, error) {
	stage := NewWriteStage()
	resultCh := make(chan struct{ res DeleteResult }, 1)
	go func() {
		res, err := ds.Delete(ctx, ref, stage)
		if err != nil {
			stage.Reject(err)
		}
		resultCh <- struct{ res DeleteResult }{res}
	}()
	select {
	case <-stage.committedCh:
		if err := stage.Err(); err != nil {
			return DeleteResult{}, err
		}
		r := <-resultCh
		return r.res, nil
	case <-ctx.Done():
		return DeleteResult{}, ctx.Err()
	}
}
