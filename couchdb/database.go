package couchdb

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Database is a handle for one named database. The handle is stateless;
// concurrent use from any number of goroutines is fine.
type Database struct {
	name   string
	client *Client
}

// Name returns the database name this handle is bound to.
func (d *Database) Name() string {
	return d.name
}

// Get fetches one document by id. A missing document reports
// ErrNotFound through errors.Is.
func (d *Database) Get(ctx context.Context, id string) (Document, error) {
	var doc Document
	if err := d.client.request(ctx, http.MethodGet, d.docPath(id), nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Insert writes one document at its `_id`, carrying `_rev` when the
// document holds one. A stale revision reports ErrConflict.
func (d *Database) Insert(ctx context.Context, doc Document) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("couchdb: insert into %s: document has no _id", d.name)
	}
	return d.client.request(ctx, http.MethodPut, d.docPath(id), doc, nil)
}

// Info fetches database metadata, primarily the current update sequence.
func (d *Database) Info(ctx context.Context) (DatabaseInfo, error) {
	var info DatabaseInfo
	err := d.client.request(ctx, http.MethodGet, "/"+url.PathEscape(d.name), nil, &info)
	return info, err
}

// DatabaseInfo is the subset of database metadata the watcher needs.
type DatabaseInfo struct {
	Name      string `json:"db_name"`
	UpdateSeq string `json:"update_seq"`
	DocCount  int64  `json:"doc_count"`
}

func (d *Database) docPath(id string) string {
	return "/" + url.PathEscape(d.name) + "/" + escapeDocID(id)
}

// escapeDocID escapes a document id for use in a path, keeping the
// design-document prefix slash intact.
func escapeDocID(id string) string {
	if rest, ok := strings.CutPrefix(id, "_design/"); ok {
		return "_design/" + url.PathEscape(rest)
	}
	if rest, ok := strings.CutPrefix(id, "_local/"); ok {
		return "_local/" + url.PathEscape(rest)
	}
	return url.PathEscape(id)
}
