package fedstore

import (
	"context"
	"sync"
)

// InitialSnapshotLatch is a single-shot gate that consumes events from one
// side's snapshot stream until a committed, batch-terminated marker
// arrives, accumulating a SyncDocMap along the way (spec §4.4, C4). It has
// no closures over enclosing scope: everything it needs is either a field
// or an argument, per spec §9's redesign note.
type InitialSnapshotLatch struct {
	side        SyncSide
	replicating *ReplicatingListener

	lock    sync.Mutex
	cond    sync.Cond
	done    bool
	syncMap SyncDocMap
}

// NewInitialSnapshotLatch builds a latch for the given side that always
// forwards observed events to replicating, regardless of latch state.
func NewInitialSnapshotLatch(side SyncSide, replicating *ReplicatingListener) *InitialSnapshotLatch {
	l := &InitialSnapshotLatch{
		side:        side,
		replicating: replicating,
		syncMap:     make(SyncDocMap),
	}
	l.cond.L = &l.lock
	return l
}

// Attach opens a snapshot on ds with a listener implementing spec §4.4's
// three behaviors: always forward to the Replicating Listener, fold into
// the SyncDocMap while not yet done, and release on the first committed
// batch-terminated event.
func (l *InitialSnapshotLatch) Attach(ctx context.Context, ds Datastore, errorListener ErrorListener) (SnapshotHandle, error) {
	return ds.Snapshot(ctx, func(e DocMetaSnapshotEvent) {
		l.replicating.Handle(l.side, e)

		l.lock.Lock()
		if !l.done {
			l.syncMap.FoldSnapshotEvent(e)
		}
		l.lock.Unlock()

		if e.IsInitialBatchDone() {
			l.release()
		}
	}, errorListener)
}

func (l *InitialSnapshotLatch) release() {
	l.lock.Lock()
	l.done = true
	l.cond.Broadcast()
	l.lock.Unlock()
}

// Await blocks until release, then returns a defensive copy of the
// accumulated SyncDocMap. The latch's own map is not reused afterwards:
// callers own the returned copy.
func (l *InitialSnapshotLatch) Await(ctx context.Context) (SyncDocMap, error) {
	stopWaiting := make(chan struct{})
	defer close(stopWaiting)
	go func() {
		select {
		case <-ctx.Done():
			l.lock.Lock()
			l.cond.Broadcast()
			l.lock.Unlock()
		case <-stopWaiting:
		}
	}()

	l.lock.Lock()
	defer l.lock.Unlock()
	for !l.done && ctx.Err() == nil {
		l.cond.Wait()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	out := make(SyncDocMap, len(l.syncMap))
	for fp, row := range l.syncMap {
		out[fp] = row
	}
	return out, nil
}

// Released reports whether the latch has already fired, without blocking.
func (l *InitialSnapshotLatch) Released() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.done
}
