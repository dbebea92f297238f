// Package setup owns database reconciliation concerns.
//
// Ownership boundary:
// - database existence and race-tolerant creation
// - exact and template document reconciliation
// - synced-document dispatch (one-shot or continuous watch)
// - replication topology planning across named clusters
// - aggregation of background disposers
//
// Setup does not execute replication itself; it writes continuous
// replication job documents for the server's replicator to run.
package setup
