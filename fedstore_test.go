package fedstore

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	stderrors "errors"

	"github.com/localcloud/fedstore/docid"
	"github.com/localcloud/fedstore/dserrors"
	"github.com/localcloud/fedstore/fanout"
	"github.com/localcloud/fedstore/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() utils.Logger {
	return utils.NewDefaultLogger(slog.LevelError)
}

func directWrite(t *testing.T, ds Datastore, fp Fingerprint, u docid.UUID, meta DocMeta) {
	t.Helper()
	stage := NewWriteStage()
	ds.Write(context.Background(), fp, meta, DocInfo{Fingerprint: fp, UUID: u}, stage)
	select {
	case <-stage.committedCh:
	case <-time.After(time.Second):
		t.Fatal("direct write did not commit")
	}
	require.NoError(t, stage.Err())
}

// collector accumulates every event a listener observes, safe for
// concurrent delivery.
type collector struct {
	mu     sync.Mutex
	events []DocMetaSnapshotEvent
}

func (c *collector) listen(e DocMetaSnapshotEvent) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) mutations() []DocMetaMutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []DocMetaMutation
	for _, e := range c.events {
		out = append(out, e.DocMetaMutations...)
	}
	return out
}

// Scenario 1: empty both sides. init succeeds, the reconciler performs zero
// copies, and a fresh Snapshot delivers one committed+terminated marker per
// side plus nothing else.
func TestScenarioEmptyBothSides(t *testing.T) {
	local := NewMemDatastore("local", testLogger())
	cloud := NewMemDatastore("cloud", testLogger())
	fed := New(local, cloud, testLogger())

	require.NoError(t, fed.Init(context.Background(), nil))

	col := &collector{}
	_, err := fed.Snapshot(context.Background(), col.listen, nil)
	require.NoError(t, err)

	assert.Empty(t, col.mutations())
	assert.Equal(t, 0, fed.index.Len())
}

// Scenario 2: local has F@U1, cloud empty; after init, cloud has F@U1 and the
// index has {F: U1}; a fresh Snapshot then delivers a created mutation for F
// exactly once, even though both tiers replay it.
func TestScenarioLocalOnlyReplicatesToCloud(t *testing.T) {
	local := NewMemDatastore("local", testLogger())
	cloud := NewMemDatastore("cloud", testLogger())
	fp := Fingerprint("doc-1")
	u1 := docid.New()
	directWrite(t, local, fp, u1, DocMeta{"v": 1})

	fed := New(local, cloud, testLogger())
	col := &collector{}
	err := fed.Init(context.Background(), nil)
	require.NoError(t, err)

	_, err = fed.Snapshot(context.Background(), col.listen, nil)
	require.NoError(t, err)

	ok, err := cloud.Contains(context.Background(), fp)
	require.NoError(t, err)
	assert.True(t, ok)

	entry, ok := fed.ComparisonIndexEntry(fp)
	assert.True(t, ok)
	assert.Equal(t, u1, entry.UUID)

	created := 0
	for _, mut := range col.mutations() {
		if mut.Fingerprint == fp && mut.MutationType == MutationCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

// Scenario 3: local F@U1, cloud F@U2, U2 newer; local is updated to F@U2, one
// update event, no reverse copy (cloud keeps U2).
func TestScenarioCloudNewerWinsReconciliation(t *testing.T) {
	local := NewMemDatastore("local", testLogger())
	cloud := NewMemDatastore("cloud", testLogger())
	fp := Fingerprint("doc-2")
	u1 := docid.New()
	time.Sleep(2 * time.Millisecond)
	u2 := docid.New()
	require.True(t, docid.Newer(u2, u1))

	directWrite(t, local, fp, u1, DocMeta{"v": "old"})
	directWrite(t, cloud, fp, u2, DocMeta{"v": "new"})

	fed := New(local, cloud, testLogger())
	require.NoError(t, fed.Init(context.Background(), nil))

	meta, err := local.GetDocMeta(context.Background(), fp)
	require.NoError(t, err)
	assert.Equal(t, "new", meta["v"])

	cloudMeta, err := cloud.GetDocMeta(context.Background(), fp)
	require.NoError(t, err)
	assert.Equal(t, "new", cloudMeta["v"])

	entry, ok := fed.ComparisonIndexEntry(fp)
	assert.True(t, ok)
	assert.Equal(t, u2, entry.UUID)
}

// Scenario 4: federated write via facade calls both tiers concurrently;
// written resolves after both written, committed after both committed, and
// the index reflects the new UUID.
func TestScenarioFederatedWrite(t *testing.T) {
	local := NewMemDatastore("local", testLogger())
	cloud := NewMemDatastore("cloud", testLogger())
	fed := New(local, cloud, testLogger())
	require.NoError(t, fed.Init(context.Background(), nil))

	fp := Fingerprint("doc-3")
	u3 := docid.New()
	handle := fed.Write(context.Background(), fp, DocMeta{"v": 3}, DocInfo{Fingerprint: fp, UUID: u3})

	select {
	case <-handle.Written():
	case <-time.After(time.Second):
		t.Fatal("write did not resolve written")
	}
	select {
	case <-handle.Committed():
	case <-time.After(time.Second):
		t.Fatal("write did not resolve committed")
	}
	require.NoError(t, handle.Err())

	localOK, _ := local.Contains(context.Background(), fp)
	cloudOK, _ := cloud.Contains(context.Background(), fp)
	assert.True(t, localOK)
	assert.True(t, cloudOK)

	require.Eventually(t, func() bool {
		entry, ok := fed.ComparisonIndexEntry(fp)
		return ok && entry.UUID == u3
	}, time.Second, time.Millisecond)
}

// Scenario 5: a cloud delete for F arriving post-init triggers local.delete,
// a SynchronizationEvent{dest: local, deleted}, and the index no longer
// contains F.
func TestScenarioCloudDeletePropagatesAfterInit(t *testing.T) {
	local := NewMemDatastore("local", testLogger())
	cloud := NewMemDatastore("cloud", testLogger())
	fp := Fingerprint("doc-5")
	u1 := docid.New()
	directWrite(t, local, fp, u1, DocMeta{"v": 1})
	directWrite(t, cloud, fp, u1, DocMeta{"v": 1})

	fed := New(local, cloud, testLogger())
	require.NoError(t, fed.Init(context.Background(), nil))

	var syncEvents []SynchronizationEvent
	var mu sync.Mutex
	fed.AddSynchronizationListener(func(e SynchronizationEvent) {
		mu.Lock()
		syncEvents = append(syncEvents, e)
		mu.Unlock()
	})

	stage := NewWriteStage()
	ref := DocMetaFileRef{Fingerprint: fp}
	_, err := cloud.Delete(context.Background(), ref, stage)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ok, _ := local.Contains(context.Background(), fp)
		return !ok
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range syncEvents {
			for _, mut := range e.DocMetaMutations {
				if mut.Fingerprint == fp && mut.MutationType == MutationDeleted && e.Dest == SideLocal {
					return true
				}
			}
		}
		return false
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := fed.ComparisonIndexEntry(fp)
		return !ok
	}, time.Second, time.Millisecond, "deleting through cloud should eventually clear the index via replication")
}

// Scenario 6: cloud emits an event for F@U1 that local already has; the
// dedup listener suppresses downstream redelivery.
func TestScenarioDedupSuppressesAlreadySeen(t *testing.T) {
	fp := Fingerprint("doc-6")
	u1 := docid.New()
	info := DocInfo{Fingerprint: fp, UUID: u1}
	event := DocMetaSnapshotEvent{
		Consistency: ConsistencyCommitted,
		DocMetaMutations: []DocMetaMutation{
			NewDocMetaMutation(fp, MutationCreated,
				func() (DocInfo, error) { return info, nil },
				func() (DocMeta, error) { return DocMeta{"v": 1}, nil }),
		},
	}

	var delivered int
	dedup := WrapDedup(func(DocMetaSnapshotEvent) { delivered++ })
	dedup.Forward(event)
	dedup.Forward(event)

	assert.Equal(t, 1, delivered)
}

// Idempotence invariant: replaying an already-applied (fingerprint, uuid)
// through the Replicating Listener is a no-op on the underlying tier.
func TestReplicatingListenerReplayIsNoOp(t *testing.T) {
	local := NewMemDatastore("local", testLogger())
	fp := Fingerprint("doc-7")
	u1 := docid.New()
	directWrite(t, local, fp, u1, DocMeta{"v": 1})

	syncDispatch := fanout.New[SynchronizationEvent](nil)
	rl := NewReplicatingListener(context.Background(), local, NewComparisonIndex(), syncDispatch, nil, testLogger(), func(DocMetaSnapshotEvent) {})
	rl.MarkInitialSyncCompleted()

	info := DocInfo{Fingerprint: fp, UUID: u1}
	replay := DocMetaSnapshotEvent{
		Consistency: ConsistencyCommitted,
		DocMetaMutations: []DocMetaMutation{
			NewDocMetaMutation(fp, MutationUpdated,
				func() (DocInfo, error) { return info, nil },
				func() (DocMeta, error) { return DocMeta{"v": 999}, nil }),
		},
	}
	rl.Handle(SideCloud, replay)

	meta, err := local.GetDocMeta(context.Background(), fp)
	require.NoError(t, err)
	assert.Equal(t, 1, meta["v"])
}

func TestWriteAfterStopIsRejected(t *testing.T) {
	local := NewMemDatastore("local", testLogger())
	cloud := NewMemDatastore("cloud", testLogger())
	fed := New(local, cloud, testLogger())
	require.NoError(t, fed.Init(context.Background(), nil))
	require.NoError(t, fed.Stop(context.Background()))

	fp := Fingerprint("doc-9")
	handle := fed.Write(context.Background(), fp, DocMeta{"v": 1}, DocInfo{Fingerprint: fp, UUID: docid.New()})
	<-handle.Committed()
	assert.True(t, stderrors.Is(handle.Err(), dserrors.ErrClosed))
}

func TestSecondInitIsRejected(t *testing.T) {
	local := NewMemDatastore("local", testLogger())
	cloud := NewMemDatastore("cloud", testLogger())
	fed := New(local, cloud, testLogger())
	require.NoError(t, fed.Init(context.Background(), nil))

	err := fed.Init(context.Background(), nil)
	assert.True(t, stderrors.Is(err, dserrors.ErrAlreadyOpen))
}

// After delete, the Comparison Index does not contain the fingerprint.
func TestDeleteRemovesFromIndex(t *testing.T) {
	local := NewMemDatastore("local", testLogger())
	cloud := NewMemDatastore("cloud", testLogger())
	fed := New(local, cloud, testLogger())
	require.NoError(t, fed.Init(context.Background(), nil))

	fp := Fingerprint("doc-8")
	u1 := docid.New()
	writeHandle := fed.Write(context.Background(), fp, DocMeta{"v": 1}, DocInfo{Fingerprint: fp, UUID: u1})
	<-writeHandle.Committed()
	require.NoError(t, writeHandle.Err())

	require.Eventually(t, func() bool {
		_, ok := fed.ComparisonIndexEntry(fp)
		return ok
	}, time.Second, time.Millisecond, "write's post-condition should populate the index")

	deleteHandle := fed.Delete(context.Background(), DocMetaFileRef{Fingerprint: fp})
	<-deleteHandle.Committed()
	require.NoError(t, deleteHandle.Err())

	require.Eventually(t, func() bool {
		_, ok := fed.ComparisonIndexEntry(fp)
		return !ok
	}, time.Second, time.Millisecond, "delete's post-condition should clear the index")
}
