package setup

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/jsfix-ci/edge-server-tools/couchdb"
	"github.com/jsfix-ci/edge-server-tools/internal/observability"
)

// ensureDatabase guarantees the named database exists before returning.
// It reports false without error when the database is absent and the
// setup marks it IgnoreMissing. A creation race is recovered here and
// nowhere else: the conflict the server answers when a concurrent
// caller won the create is swallowed, every other failure is fatal.
func ensureDatabase(ctx context.Context, client *couchdb.Client, database DatabaseSetup, opts SetupOptions) (bool, error) {
	exists, err := client.DatabaseExists(ctx, database.Name)
	if err != nil {
		return false, fmt.Errorf("setup %s: check existence: %w", database.Name, err)
	}
	if exists {
		return true, nil
	}
	if database.IgnoreMissing {
		opts.Log(fmt.Sprintf("database %s absent, ignoring", database.Name))
		return false, nil
	}
	opts.Log(fmt.Sprintf("creating database %s", database.Name))
	if err := client.CreateDatabase(ctx, database.Name, database.CreateOptions); err != nil && !couchdb.IsConflict(err) {
		return false, fmt.Errorf("setup %s: create: %w", database.Name, err)
	}
	return true, nil
}

// reconcileExactDocuments brings every exact document to its desired
// content, writing only on mismatch. Each id is an independent
// point-write carrying the current revision.
func reconcileExactDocuments(ctx context.Context, db *couchdb.Database, documents map[string]couchdb.Document, opts SetupOptions) error {
	for _, id := range sortedKeys(documents) {
		current, err := db.Get(ctx, id)
		if err != nil && !couchdb.IsNotFound(err) {
			return fmt.Errorf("setup %s: get %s: %w", db.Name(), id, err)
		}
		desired := documents[id]
		if current != nil && contentEqual(current, desired) {
			continue
		}
		write := cloneContent(desired)
		write["_id"] = id
		if current != nil {
			write["_rev"] = current.Rev()
		}
		opts.Log(fmt.Sprintf("writing %s/%s", db.Name(), id))
		if err := db.Insert(ctx, write); err != nil {
			return fmt.Errorf("setup %s: write %s: %w", db.Name(), id, err)
		}
		observability.RecordDocumentWrite(db.Name(), "exact")
	}
	return nil
}

// reconcileTemplateDocuments writes each template only when no document
// with that id exists. Existing documents are never touched.
func reconcileTemplateDocuments(ctx context.Context, db *couchdb.Database, documents map[string]couchdb.Document, opts SetupOptions) error {
	for _, id := range sortedKeys(documents) {
		_, err := db.Get(ctx, id)
		if err == nil {
			continue
		}
		if !couchdb.IsNotFound(err) {
			return fmt.Errorf("setup %s: get %s: %w", db.Name(), id, err)
		}
		write := cloneContent(documents[id])
		write["_id"] = id
		opts.Log(fmt.Sprintf("writing %s/%s", db.Name(), id))
		if err := db.Insert(ctx, write); err != nil {
			return fmt.Errorf("setup %s: write template %s: %w", db.Name(), id, err)
		}
		observability.RecordDocumentWrite(db.Name(), "template")
	}
	return nil
}

// sortedKeys returns the map's keys in ascending order.
func sortedKeys(documents map[string]couchdb.Document) []string {
	keys := make([]string, 0, len(documents))
	for id := range documents {
		keys = append(keys, id)
	}
	slices.Sort(keys)
	return keys
}

// contentEqual compares two documents ignoring the server's `_id` and
// `_rev` bookkeeping keys. Comparison runs over canonical JSON so
// number representations from different sources agree.
func contentEqual(a, b couchdb.Document) bool {
	return string(canonicalContent(a)) == string(canonicalContent(b))
}

func canonicalContent(doc couchdb.Document) []byte {
	data, err := json.Marshal(cloneContent(doc))
	if err != nil {
		return nil
	}
	return data
}

func cloneContent(doc couchdb.Document) couchdb.Document {
	out := make(couchdb.Document, len(doc))
	for k, v := range doc {
		if k == "_id" || k == "_rev" {
			continue
		}
		out[k] = v
	}
	return out
}
