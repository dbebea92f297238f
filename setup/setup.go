package setup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/jsfix-ci/edge-server-tools/couchdb"
	"github.com/jsfix-ci/edge-server-tools/internal/observability"
)

// DatabaseSetup identifies one database and everything that must be
// true about it.
type DatabaseSetup struct {
	Name string
	// CreateOptions apply when this setup has to create the database,
	// and ride along on push replication jobs as create_target_params.
	CreateOptions *couchdb.CreateOptions
	// ExactDocuments are continuously enforced to match their desired
	// content.
	ExactDocuments map[string]couchdb.Document
	// TemplateDocuments are written once when absent, never
	// reconciled afterwards.
	TemplateDocuments map[string]couchdb.Document
	// SyncedDocuments are kept current by the watcher or by one-shot
	// synchronization.
	SyncedDocuments []*SyncedDocument
	// OnChange, when set, observes every changed document while
	// watching.
	OnChange func(doc couchdb.Document)
	// IgnoreMissing suppresses creation and replication for databases
	// expected to be absent on some clusters.
	IgnoreMissing bool
}

// SetupOptions carry the per-call cluster context and hooks.
type SetupOptions struct {
	// CurrentCluster names this cluster inside the topology document.
	CurrentCluster string
	// Topology is the shared topology document; nil disables
	// replication planning.
	Topology *SyncedDocument
	// DisableWatching forces one-shot synchronization.
	DisableWatching bool
	// Log receives status messages for every write; defaults to the
	// process logger.
	Log func(message string)
	// OnError receives failures from detached background work;
	// defaults to the process logger.
	OnError func(err error)
}

func (o SetupOptions) withDefaults() SetupOptions {
	if o.Log == nil {
		o.Log = func(message string) {
			log.Info().Msg(message)
		}
	}
	if o.OnError == nil {
		o.OnError = func(err error) {
			log.Error().Err(err).Msg("setup background failure")
		}
	}
	return o
}

// SetupDatabase reconciles one database's desired state against the
// server and, when a topology is configured, maintains this cluster's
// replication jobs for it. The returned disposer stops every
// background task the call started and is safe to call repeatedly.
func SetupDatabase(ctx context.Context, client *couchdb.Client, database DatabaseSetup, opts SetupOptions) (Disposer, error) {
	opts = opts.withDefaults()

	disposer, ok, err := reconcileDatabase(ctx, client, database, opts)
	if err != nil {
		observability.RecordReconcileRun(database.Name, "error")
		return nil, err
	}
	if !ok {
		observability.RecordReconcileRun(database.Name, "skipped")
		return NopDisposer(), nil
	}

	if opts.Topology != nil && opts.CurrentCluster != "" {
		replicationDisposer, err := reconcileReplication(ctx, client, database, opts)
		if err != nil {
			disposer.Dispose()
			observability.RecordReconcileRun(database.Name, "error")
			return nil, err
		}
		disposer = JoinDisposers(disposer, replicationDisposer)
	}
	observability.RecordReconcileRun(database.Name, "ok")
	return disposer, nil
}

// reconcileDatabase is the replication-free layer of the pipeline:
// existence, exact and template documents, synced-document dispatch.
// The replication layer calls it against the replicator database, which
// is what bounds the recursion structurally at depth one.
func reconcileDatabase(ctx context.Context, client *couchdb.Client, database DatabaseSetup, opts SetupOptions) (Disposer, bool, error) {
	exists, err := ensureDatabase(ctx, client, database, opts)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return NopDisposer(), false, nil
	}

	db := client.Use(database.Name)
	if err := reconcileExactDocuments(ctx, db, database.ExactDocuments, opts); err != nil {
		return nil, false, err
	}
	if err := reconcileTemplateDocuments(ctx, db, database.TemplateDocuments, opts); err != nil {
		return nil, false, err
	}
	disposer, err := dispatchSync(ctx, db, database, opts)
	if err != nil {
		return nil, false, err
	}
	return disposer, true, nil
}

// dispatchSync decides, once, how synced documents stay current. Every
// synced document first gets one round of synchronization, which also
// writes its fallback when the document is absent; with watching
// disabled or nothing to watch for that round is all there is,
// otherwise the changes watcher takes over from it.
func dispatchSync(ctx context.Context, db *couchdb.Database, database DatabaseSetup, opts SetupOptions) (Disposer, error) {
	if err := syncAll(ctx, db, database.SyncedDocuments); err != nil {
		return nil, err
	}
	if opts.DisableWatching || (database.OnChange == nil && len(database.SyncedDocuments) == 0) {
		return NopDisposer(), nil
	}

	targets := make([]couchdb.WatchTarget, 0, len(database.SyncedDocuments))
	for _, doc := range database.SyncedDocuments {
		targets = append(targets, doc)
	}
	stop := db.Watch(couchdb.WatchOptions{
		Targets:  targets,
		OnChange: database.OnChange,
		OnError:  opts.OnError,
	})
	return DisposerFunc(stop), nil
}

// syncAll runs one concurrent round of synchronization over every
// synced document, reporting the first failure.
func syncAll(ctx context.Context, db *couchdb.Database, documents []*SyncedDocument) error {
	errs := make(chan error, len(documents))
	for _, doc := range documents {
		go func(doc *SyncedDocument) {
			errs <- doc.Sync(ctx, db)
		}(doc)
	}
	var firstErr error
	for range documents {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// reconcileReplication computes the replication jobs this cluster must
// own for the database and writes them as exact documents of the
// replicator database through the plain reconcile layer. It re-plans on
// every topology change until its disposer runs.
func reconcileReplication(ctx context.Context, client *couchdb.Client, database DatabaseSetup, opts SetupOptions) (Disposer, error) {
	// Owner is the identity this connection is authenticated as,
	// resolved once rather than on every re-plan.
	session, err := client.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("setup %s: resolve session: %w", database.Name, err)
	}

	writeJobs := func(ctx context.Context, topology ClusterTopology) error {
		jobs := PlanReplicationJobs(topology, opts.CurrentCluster, database, session.UserName)
		if jobs == nil {
			// This cluster is not part of the topology; replication
			// is intentionally disabled for it.
			return nil
		}
		documents := make(map[string]couchdb.Document, len(jobs))
		for id, job := range jobs {
			doc, err := jobDocument(job)
			if err != nil {
				return fmt.Errorf("setup %s: encode job %s: %w", database.Name, id, err)
			}
			documents[id] = doc
			observability.RecordReplicationJobPlanned(database.Name, jobDirection(job))
		}
		jobSetup := DatabaseSetup{Name: ReplicatorDatabase, ExactDocuments: documents}
		jobOpts := opts
		jobOpts.Topology = nil
		jobOpts.DisableWatching = true
		_, _, err := reconcileDatabase(ctx, client, jobSetup, jobOpts)
		return err
	}

	topology, err := TopologyFromDocument(opts.Topology.Current())
	if err != nil {
		return nil, err
	}
	if err := writeJobs(ctx, topology); err != nil {
		return nil, err
	}

	// Re-planning on topology changes runs detached; its failures are
	// reported through OnError, never to a caller.
	unsubscribe := opts.Topology.Subscribe(func(doc couchdb.Document) {
		go func() {
			topology, err := TopologyFromDocument(doc)
			if err != nil {
				opts.OnError(err)
				return
			}
			if err := writeJobs(context.Background(), topology); err != nil {
				opts.OnError(err)
			}
		}()
	})
	return DisposerFunc(unsubscribe), nil
}

func jobDocument(job ReplicationJob) (couchdb.Document, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	var doc couchdb.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
