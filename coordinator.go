package fedstore

import (
	"sync"
	"time"

	"github.com/localcloud/fedstore/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

// WriteStage is the per-tier completion signal a Datastore implementation
// resolves as it makes progress on one Write or Delete call. It models the
// two progress stages named in spec §4.7: written (durable on this tier)
// and committed (visible to all readers on this tier).
type WriteStage struct {
	writtenCh    chan struct{}
	committedCh  chan struct{}
	writtenOnce  sync.Once
	committedOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewWriteStage builds an unresolved stage for a tier to fill in.
func NewWriteStage() *WriteStage {
	return &WriteStage{
		writtenCh:   make(chan struct{}),
		committedCh: make(chan struct{}),
	}
}

// ResolveWritten marks this tier's write durable. Safe to call once; later
// calls are no-ops.
func (s *WriteStage) ResolveWritten() {
	s.writtenOnce.Do(func() { close(s.writtenCh) })
}

// ResolveCommitted marks this tier's write visible to readers. Implies
// ResolveWritten if not already resolved, matching "written resolves no
// later than committed".
func (s *WriteStage) ResolveCommitted() {
	s.ResolveWritten()
	s.committedOnce.Do(func() { close(s.committedCh) })
}

// Reject fails both stages with err. Only the first error sticks.
func (s *WriteStage) Reject(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.writtenOnce.Do(func() { close(s.writtenCh) })
	s.committedOnce.Do(func() { close(s.committedCh) })
}

// Err reports the failure this stage was rejected with, if any.
func (s *WriteStage) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WriteHandle is the single caller-visible completion handle a federated
// write or delete resolves, aggregating both tiers' WriteStages.
type WriteHandle struct {
	writtenCh    chan struct{}
	committedCh  chan struct{}
	writtenOnce  sync.Once
	committedOnce sync.Once

	mu  sync.Mutex
	err error
}

func newWriteHandle() *WriteHandle {
	return &WriteHandle{
		writtenCh:   make(chan struct{}),
		committedCh: make(chan struct{}),
	}
}

// Written resolves once both tiers have resolved their written stage, or
// closes early with Err() set once either tier fails.
func (h *WriteHandle) Written() <-chan struct{} { return h.writtenCh }

// Committed resolves once both tiers have resolved their committed stage,
// or closes early with Err() set once either tier fails.
func (h *WriteHandle) Committed() <-chan struct{} { return h.committedCh }

// Err reports the failure that caused early resolution, if any. It should
// only be consulted after Written/Committed has fired.
func (h *WriteHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *WriteHandle) reject(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.mu.Unlock()
	h.writtenOnce.Do(func() { close(h.writtenCh) })
	h.committedOnce.Do(func() { close(h.committedCh) })
}

func (h *WriteHandle) resolveWritten() {
	h.writtenOnce.Do(func() { close(h.writtenCh) })
}

func (h *WriteHandle) resolveCommitted() {
	h.committedOnce.Do(func() { close(h.committedCh) })
}

// PostCondition runs fn once the write handle has finished, on every path
// (success or failure). Registering it before the underlying writes start
// (as FederatedDatastore.Write and Delete do) guarantees it runs on all
// paths, per spec §9's note on replacing ad-hoc try/finally chains.
func (h *WriteHandle) PostCondition(fn func(err error)) {
	go func() {
		<-h.Committed()
		fn(h.Err())
	}()
}

// WriteCoordinator aggregates the per-stage signals of a federated write's
// two tier writes into one WriteHandle, per spec §4.7. It does not start the
// tier writes itself; the facade starts both concurrently.
type WriteCoordinator struct {
	log utils.Logger

	// inflight tracks in-progress writes for observability and tests
	// only; nothing in the coordination logic reads it back.
	inflight *xsync.MapOf[Fingerprint, *WriteHandle]

	// committedLatency keeps a cheap running average of committed-stage
	// latency alongside the histogram in writeLatency, for callers that
	// want a single number without scraping Prometheus.
	committedLatency *utils.AvgVal
	latencyLock      sync.Mutex
}

// NewWriteCoordinator builds a coordinator that logs cross-tier write
// failures through log.
func NewWriteCoordinator(log utils.Logger) *WriteCoordinator {
	return &WriteCoordinator{log: log, inflight: xsync.NewMapOf[Fingerprint, *WriteHandle]()}
}

// Inflight reports the number of writes currently being coordinated; a
// test and metrics hook only.
func (c *WriteCoordinator) Inflight() int {
	return c.inflight.Size()
}

// AverageCommittedLatency reports the running average commit latency this
// coordinator has observed, in seconds. Zero until the first write commits.
func (c *WriteCoordinator) AverageCommittedLatency() float64 {
	c.latencyLock.Lock()
	defer c.latencyLock.Unlock()
	if c.committedLatency == nil {
		return 0
	}
	return c.committedLatency.Val()
}

func (c *WriteCoordinator) observeCommittedLatency(seconds float64) {
	c.latencyLock.Lock()
	defer c.latencyLock.Unlock()
	if c.committedLatency == nil {
		c.committedLatency = utils.NewAvgVal(seconds)
		return
	}
	c.committedLatency.Add(seconds)
}

// Coordinate waits on cloud and local's WriteStages and folds them into one
// WriteHandle following the two-stage aggregation rule in spec §4.7:
// step 3 (both written -> user written) and step 4 (both committed -> user
// committed), with early rejection on either tier's failure while letting
// the other tier run to completion.
func (c *WriteCoordinator) Coordinate(fp Fingerprint, cloud, local *WriteStage) *WriteHandle {
	handle := newWriteHandle()
	c.inflight.Store(fp, handle)

	go c.aggregateStage(fp, cloud, local, handle, stageWritten)
	go c.aggregateStage(fp, cloud, local, handle, stageCommitted)

	handle.PostCondition(func(error) { c.inflight.Delete(fp) })
	return handle
}

type stageKind int

const (
	stageWritten stageKind = iota
	stageCommitted
)

func (c *WriteCoordinator) aggregateStage(fp Fingerprint, cloud, local *WriteStage, handle *WriteHandle, kind stageKind) {
	started := time.Now()
	chanOf := func(s *WriteStage) chan struct{} {
		if kind == stageWritten {
			return s.writtenCh
		}
		return s.committedCh
	}
	resolve := func() {
		if kind == stageWritten {
			handle.resolveWritten()
		} else {
			handle.resolveCommitted()
		}
	}

	ca, cb := chanOf(cloud), chanOf(local)
	for ca != nil || cb != nil {
		select {
		case <-ca:
			if err := cloud.Err(); err != nil {
				c.rejectAndLogOther(fp, "cloud", err, local, chanOf(local), handle, kind)
				return
			}
			ca = nil
		case <-cb:
			if err := local.Err(); err != nil {
				c.rejectAndLogOther(fp, "local", err, cloud, chanOf(cloud), handle, kind)
				return
			}
			cb = nil
		}
	}
	resolve()
	if kind == stageCommitted {
		elapsed := time.Since(started).Seconds()
		writeLatency.WithLabelValues("committed").Observe(elapsed)
		c.observeCommittedLatency(elapsed)
	}
}

func (c *WriteCoordinator) rejectAndLogOther(fp Fingerprint, failedSide string, err error, other *WriteStage, otherCh chan struct{}, handle *WriteHandle, kind stageKind) {
	writeSideFailures.WithLabelValues(failedSide).Inc()
	handle.reject(err)
	if kind != stageCommitted {
		return
	}
	// Let the other side run to completion; its result is logged, not
	// hidden, per spec §4.7 step 5.
	go func() {
		<-otherCh
		if oerr := other.Err(); oerr != nil {
			c.log.Warn("write side failed after peer rejected", "fingerprint", string(fp), "failed_side", failedSide, "peer_err", oerr)
		} else {
			c.log.Debug("write side completed after peer rejected", "fingerprint", string(fp), "failed_side", failedSide)
		}
	}()
}
