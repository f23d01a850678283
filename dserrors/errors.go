// Package dserrors provides the federated datastore's common error
// definitions, shared between the facade and its snapshot/reconcile
// subsystem.
package dserrors

import "errors"

var (
	// ErrNoPrimarySnapshot names the state of a facade whose Init has not
	// opened a primary snapshot yet. No operation in this module returns it.
	ErrNoPrimarySnapshot = errors.New("fedstore: no primary snapshot open")

	// ErrAlreadyOpen is returned by Init when a primary snapshot is
	// already open on this facade.
	ErrAlreadyOpen = errors.New("fedstore: primary snapshot already open")

	// ErrClosed is returned by operations attempted after Stop.
	ErrClosed = errors.New("fedstore: datastore stopped")

	// ErrUnknownDocument is returned (wrapped) by MemDatastore.GetDocMeta
	// for a fingerprint that tier does not hold. Deleting an absent
	// fingerprint succeeds and does not return it.
	ErrUnknownDocument = errors.New("fedstore: unknown document")

	// ErrLatchAlreadyReleased names an Initial-Snapshot Latch that has
	// already fired. Await does not return it: awaiting a released latch
	// returns a copy of its SyncDocMap.
	ErrLatchAlreadyReleased = errors.New("fedstore: latch already released")

	// ErrBadSnapshotEvent names a snapshot event that violates the wire
	// shape described by the datastore contract (§6). No code in this
	// module validates events or returns it.
	ErrBadSnapshotEvent = errors.New("fedstore: malformed snapshot event")
)
