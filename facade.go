package fedstore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/localcloud/fedstore/docid"
	"github.com/localcloud/fedstore/dserrors"
	"github.com/localcloud/fedstore/fanout"
	"github.com/localcloud/fedstore/utils"
	"github.com/pkg/errors"
)

// FederatedDatastore implements the datastore contract described in
// spec §4.8, C8: it federates an independent local and cloud Datastore
// behind one facade, serving reads locally and fanning writes to both.
type FederatedDatastore struct {
	local Datastore
	cloud Datastore
	log   utils.Logger

	index       *ComparisonIndex
	coordinator *WriteCoordinator
	reconciler  *Reconciler

	syncDispatch     *fanout.Dispatcher[SynchronizationEvent]
	fileSyncDispatch *fanout.Dispatcher[FileSynchronizationEvent]

	snapshotGen atomic.Uint64

	primaryLock   sync.Mutex
	primaryOpened bool
	primaryHandle *SnapshotHandle

	closed atomic.Bool
}

// New builds a facade federating local and cloud. Neither tier is touched
// until Init is called.
func New(local, cloud Datastore, log utils.Logger) *FederatedDatastore {
	onPanic := func(recovered any) {
		if log != nil {
			log.Warn("listener panicked", "recovered", recovered)
		}
	}
	return &FederatedDatastore{
		local:            local,
		cloud:            cloud,
		log:              log,
		index:            NewComparisonIndex(),
		coordinator:      NewWriteCoordinator(log),
		reconciler:       NewReconciler(log),
		syncDispatch:     fanout.New[SynchronizationEvent](onPanic),
		fileSyncDispatch: fanout.New[FileSynchronizationEvent](onPanic),
	}
}

// SnapshotGeneration reports how many Snapshot calls this facade has
// served; an observability aid with no correctness role (spec §9).
func (fed *FederatedDatastore) SnapshotGeneration() uint64 {
	return fed.snapshotGen.Load()
}

// Init initializes both tiers in parallel, then opens the primary
// snapshot with a no-op listener so reconciliation and continuous
// replication start immediately. It fails if either tier's init fails
// (spec §7, init-failure).
func (fed *FederatedDatastore) Init(ctx context.Context, errorListener ErrorListener) error {
	fed.primaryLock.Lock()
	alreadyOpened := fed.primaryOpened
	fed.primaryLock.Unlock()
	if alreadyOpened {
		return dserrors.ErrAlreadyOpen
	}

	var wg sync.WaitGroup
	var localErr, cloudErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, localErr = fed.local.Init(ctx, errorListener)
	}()
	go func() {
		defer wg.Done()
		_, cloudErr = fed.cloud.Init(ctx, errorListener)
	}()
	wg.Wait()

	if localErr != nil {
		return errors.Wrap(localErr, "init local tier")
	}
	if cloudErr != nil {
		return errors.Wrap(cloudErr, "init cloud tier")
	}

	_, err := fed.Snapshot(ctx, func(DocMetaSnapshotEvent) {}, errorListener)
	return err
}

// Stop unsubscribes the primary snapshot if present, then stops both tiers
// in parallel.
func (fed *FederatedDatastore) Stop(ctx context.Context) error {
	fed.closed.Store(true)

	fed.primaryLock.Lock()
	handle := fed.primaryHandle
	fed.primaryHandle = nil
	fed.primaryLock.Unlock()

	if handle != nil && handle.Unsubscribe != nil {
		handle.Unsubscribe()
	}

	var wg sync.WaitGroup
	var localErr, cloudErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		localErr = fed.local.Stop(ctx)
	}()
	go func() {
		defer wg.Done()
		cloudErr = fed.cloud.Stop(ctx)
	}()
	wg.Wait()

	if localErr != nil {
		return errors.Wrap(localErr, "stop local tier")
	}
	return cloudErr
}

// Contains reads from the local tier only.
func (fed *FederatedDatastore) Contains(ctx context.Context, fp Fingerprint) (bool, error) {
	return fed.local.Contains(ctx, fp)
}

// GetDocMeta reads from the local tier only.
func (fed *FederatedDatastore) GetDocMeta(ctx context.Context, fp Fingerprint) (DocMeta, error) {
	return fed.local.GetDocMeta(ctx, fp)
}

// GetDocMetaFiles reads from the local tier only.
func (fed *FederatedDatastore) GetDocMetaFiles(ctx context.Context) ([]DocMetaRef, error) {
	return fed.local.GetDocMetaFiles(ctx)
}

// GetFile reads from the local tier only.
func (fed *FederatedDatastore) GetFile(ctx context.Context, backend string, ref DocMetaFileRef) (*DatastoreFile, error) {
	return fed.local.GetFile(ctx, backend, ref)
}

// ContainsFile reads from the local tier only.
func (fed *FederatedDatastore) ContainsFile(ctx context.Context, backend string, ref DocMetaFileRef) (bool, error) {
	return fed.local.ContainsFile(ctx, backend, ref)
}

// WriteFile writes to cloud first, then to local, returning the local
// handle.
func (fed *FederatedDatastore) WriteFile(ctx context.Context, backend string, ref DocMetaFileRef, data []byte, meta DocMeta) (DatastoreFile, error) {
	if _, err := fed.cloud.WriteFile(ctx, backend, ref, data, meta); err != nil {
		return DatastoreFile{}, errors.Wrap(err, "write file to cloud")
	}
	return fed.local.WriteFile(ctx, backend, ref, data, meta)
}

// DeleteFile awaits cloud deletion first, then local, to avoid leaving a
// local orphan after a transient cloud failure (spec §4.7, the one
// exception to the two-sided coordinator).
func (fed *FederatedDatastore) DeleteFile(ctx context.Context, backend string, ref DocMetaFileRef) error {
	if err := fed.cloud.DeleteFile(ctx, backend, ref); err != nil {
		return errors.Wrap(err, "delete file from cloud")
	}
	return fed.local.DeleteFile(ctx, backend, ref)
}

// Write performs a federated write via the Write Coordinator, updating the
// Comparison Index with info once the write finishes, on every path
// (spec §4.8, §9).
func (fed *FederatedDatastore) Write(ctx context.Context, fp Fingerprint, data DocMeta, info DocInfo) *WriteHandle {
	if fed.closed.Load() {
		handle := newWriteHandle()
		handle.reject(dserrors.ErrClosed)
		return handle
	}

	cloudStage := NewWriteStage()
	localStage := NewWriteStage()

	handle := fed.coordinator.Coordinate(fp, cloudStage, localStage)
	handle.PostCondition(func(error) { fed.index.Put(info) })

	go fed.cloud.Write(ctx, fp, data, info, cloudStage)
	go fed.local.Write(ctx, fp, data, info, localStage)
	return handle
}

// Delete performs a federated delete via the Write Coordinator, removing
// ref.Fingerprint from the Comparison Index regardless of outcome.
func (fed *FederatedDatastore) Delete(ctx context.Context, ref DocMetaFileRef) *WriteHandle {
	if fed.closed.Load() {
		handle := newWriteHandle()
		handle.reject(dserrors.ErrClosed)
		return handle
	}

	cloudStage := NewWriteStage()
	localStage := NewWriteStage()

	handle := fed.coordinator.Coordinate(ref.Fingerprint, cloudStage, localStage)
	handle.PostCondition(func(error) { fed.index.Remove(ref.Fingerprint) })

	go func() {
		_, err := fed.cloud.Delete(ctx, ref, cloudStage)
		if err != nil {
			cloudStage.Reject(err)
		}
	}()
	go func() {
		_, err := fed.local.Delete(ctx, ref, localStage)
		if err != nil {
			localStage.Reject(err)
		}
	}()
	return handle
}

// ComparisonIndexEntry exposes the Comparison Index's current view of a
// fingerprint, for tests and observability.
func (fed *FederatedDatastore) ComparisonIndexEntry(fp Fingerprint) (IndexEntry, bool) {
	return fed.index.Get(fp)
}

// Snapshot builds a fresh pair of Initial-Snapshot Latches and a fresh
// Replicating Listener, attaches them to both tiers, awaits both latches,
// runs the Two-Way Reconciler in both directions if this is the primary
// snapshot, then marks initial sync complete (spec §4.8).
func (fed *FederatedDatastore) Snapshot(ctx context.Context, listener SnapshotListener, errorListener ErrorListener) (SnapshotHandle, error) {
	fed.primaryLock.Lock()
	isPrimary := !fed.primaryOpened
	if isPrimary {
		fed.primaryOpened = true
	}
	fed.primaryLock.Unlock()

	fed.snapshotGen.Add(1)

	dedup := WrapDedup(func(e DocMetaSnapshotEvent) { listener(e) })
	replicating := NewReplicatingListener(ctx, fed.local, fed.index, fed.syncDispatch, errorListener, fed.log, dedup.Forward)

	localLatch := NewInitialSnapshotLatch(SideLocal, replicating)
	cloudLatch := NewInitialSnapshotLatch(SideCloud, replicating)

	localHandle, err := localLatch.Attach(ctx, fed.local, errorListener)
	if err != nil {
		return SnapshotHandle{}, errors.Wrap(err, "attach local snapshot")
	}
	cloudHandle, err := cloudLatch.Attach(ctx, fed.cloud, errorListener)
	if err != nil {
		return SnapshotHandle{}, errors.Wrap(err, "attach cloud snapshot")
	}

	localMap, err := localLatch.Await(ctx)
	if err != nil {
		return SnapshotHandle{}, errors.Wrap(err, "await local initial snapshot")
	}
	cloudMap, err := cloudLatch.Await(ctx)
	if err != nil {
		return SnapshotHandle{}, errors.Wrap(err, "await cloud initial snapshot")
	}

	if isPrimary {
		localSide := ReconcileSide{Persistence: fed.local, SyncMap: localMap}
		cloudSide := ReconcileSide{Persistence: fed.cloud, SyncMap: cloudMap}
		// Each reconciler copy is announced as a SynchronizationEvent for the
		// tier it was written to, then forwarded through the dedup listener.
		forwardAs := func(dest SyncSide) fanout.Listener[DocMetaSnapshotEvent] {
			return func(e DocMetaSnapshotEvent) {
				fed.syncDispatch.Dispatch(SynchronizationEvent{DocMetaSnapshotEvent: e, Dest: dest})
				dedup.Forward(e)
			}
		}
		fed.reconciler.Synchronize(ctx, "local->cloud", localSide, cloudSide, forwardAs(SideCloud), errorListener)
		fed.reconciler.Synchronize(ctx, "cloud->local", cloudSide, localSide, forwardAs(SideLocal), errorListener)
		fed.indexInitialState(localMap, cloudMap)
	}

	replicating.MarkInitialSyncCompleted()

	handle := SnapshotHandle{Unsubscribe: func() {
		if cloudHandle.Unsubscribe != nil {
			cloudHandle.Unsubscribe()
		}
	}}
	// The local-side handle is not kept: this snapshot's unsubscribe
	// releases only the cloud-side subscription, and the local-side
	// subscription stays registered on the local tier.
	_ = localHandle

	if isPrimary {
		fed.primaryLock.Lock()
		fed.primaryHandle = &handle
		fed.primaryLock.Unlock()
	}

	return handle, nil
}

// indexInitialState records, for every fingerprint observed on either side
// during primary reconciliation, the newer of its two versions: that is
// local's version once both reconciliation passes above have finished
// (whichever side held it, local now holds at least as new a copy). Without
// this, a fingerprint discovered only by initial sync — never touched
// through Write — would never appear in the Comparison Index at all.
func (fed *FederatedDatastore) indexInitialState(localMap, cloudMap SyncDocMap) {
	seen := make(map[Fingerprint]struct{}, len(localMap)+len(cloudMap))
	for fp := range localMap {
		seen[fp] = struct{}{}
	}
	for fp := range cloudMap {
		seen[fp] = struct{}{}
	}
	for fp := range seen {
		l, hasLocal := localMap[fp]
		c, hasCloud := cloudMap[fp]

		winner := l
		if !hasLocal || (hasCloud && docid.Newer(c.UUID, l.UUID)) {
			winner = c
		}
		fed.index.Put(DocInfo{Fingerprint: fp, UUID: winner.UUID, DocMetaFileRef: winner.DocMetaFileRef})
	}
}

// AddSynchronizationListener registers fn to receive every
// SynchronizationEvent the facade emits (fan-out through C2).
func (fed *FederatedDatastore) AddSynchronizationListener(fn func(SynchronizationEvent)) {
	fed.syncDispatch.AddListener(fn)
}

// AddFileSynchronizationListener registers fn on the facade's
// FileSynchronizationEvent dispatcher (fan-out through C2). No code in this
// package dispatches on it, and the Datastore interface gives a tier no way
// to emit one, so registered listeners currently receive nothing.
func (fed *FederatedDatastore) AddFileSynchronizationListener(fn func(FileSynchronizationEvent)) {
	fed.fileSyncDispatch.AddListener(fn)
}
