package setup

import (
	"context"
	"fmt"
	"sync"

	"github.com/jsfix-ci/edge-server-tools/couchdb"
)

// SyncedDocument is one externally defined document kept current either
// by the changes watcher or by one-shot Sync calls. It satisfies
// couchdb.WatchTarget.
type SyncedDocument struct {
	id       string
	fallback couchdb.Document

	mu           sync.Mutex
	current      couchdb.Document
	listeners    map[int]func(couchdb.Document)
	nextListener int
}

// NewSyncedDocument builds a synced document. fallback is written to
// the database when no document with this id exists yet; it may be nil
// for documents some other writer is expected to create.
func NewSyncedDocument(id string, fallback couchdb.Document) *SyncedDocument {
	return &SyncedDocument{
		id:        id,
		fallback:  fallback,
		listeners: make(map[int]func(couchdb.Document)),
	}
}

// ID returns the document id this handle tracks.
func (s *SyncedDocument) ID() string {
	return s.id
}

// Current returns the last value seen, or the fallback before any sync.
func (s *SyncedDocument) Current() couchdb.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return s.current
	}
	return s.fallback
}

// Sync performs one round of synchronization: fetch the live document,
// writing the fallback first when the document is absent. A creation
// race loses gracefully by re-reading the winner's document.
func (s *SyncedDocument) Sync(ctx context.Context, db *couchdb.Database) error {
	doc, err := db.Get(ctx, s.id)
	if couchdb.IsNotFound(err) && s.fallback != nil {
		seed := make(couchdb.Document, len(s.fallback)+1)
		for k, v := range s.fallback {
			seed[k] = v
		}
		seed["_id"] = s.id
		if insertErr := db.Insert(ctx, seed); insertErr != nil && !couchdb.IsConflict(insertErr) {
			return fmt.Errorf("sync %s/%s: %w", db.Name(), s.id, insertErr)
		}
		doc, err = db.Get(ctx, s.id)
	}
	if couchdb.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sync %s/%s: %w", db.Name(), s.id, err)
	}
	s.Apply(doc)
	return nil
}

// Apply ingests a document delivered by the watcher and notifies
// subscribers. Unchanged revisions are dropped.
func (s *SyncedDocument) Apply(doc couchdb.Document) {
	s.mu.Lock()
	if s.current != nil && s.current.Rev() != "" && s.current.Rev() == doc.Rev() {
		s.mu.Unlock()
		return
	}
	s.current = doc
	notify := make([]func(couchdb.Document), 0, len(s.listeners))
	for _, fn := range s.listeners {
		notify = append(notify, fn)
	}
	s.mu.Unlock()

	for _, fn := range notify {
		fn(doc)
	}
}

// Subscribe registers a listener for future document values and
// returns its unsubscribe function.
func (s *SyncedDocument) Subscribe(fn func(couchdb.Document)) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}
