// Package fedstore implements a cloud-aware federated document datastore:
// a facade over an independent local and remote (cloud) datastore that
// serves reads from the local tier, fans writes out to both, reconciles the
// two tiers at startup, and replicates committed cloud mutations into the
// local mirror afterwards, surfacing every effect through a snapshot event
// stream.
//
// The two tier implementations (disk-backed local store, cloud document
// store) are external collaborators satisfying the Datastore interface in
// datastore.go; this package owns only the snapshot, reconcile, and
// continuous-replication subsystem that sits above them.
package fedstore
