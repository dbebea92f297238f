package setup

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jsfix-ci/edge-server-tools/couchdb"
)

// fakeCouch is an in-memory CouchDB lookalike covering the endpoints
// the setup pipeline touches.
type fakeCouch struct {
	mu        sync.Mutex
	databases map[string]*fakeDatabase
	writes    map[string]int // "<db>/<id>" -> write count
	creates   map[string]int // "<db>" -> create attempts
	server    *httptest.Server
	// sessionUser is what /_session reports.
	sessionUser string
}

type fakeDatabase struct {
	docs    map[string]couchdb.Document
	revs    map[string]int
	seq     int
	changes []fakeChange
}

type fakeChange struct {
	seq int
	id  string
}

func newFakeCouch() *fakeCouch {
	f := &fakeCouch{
		databases:   make(map[string]*fakeDatabase),
		writes:      make(map[string]int),
		creates:     make(map[string]int),
		sessionUser: "admin",
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeCouch) Close() {
	f.server.Close()
}

func (f *fakeCouch) client() *couchdb.Client {
	return couchdb.NewClient(f.server.URL, couchdb.ClientOptions{
		Username: "admin",
		Password: "secret",
		Timeout:  5 * time.Second,
	})
}

func (f *fakeCouch) createDatabase(name string) *fakeDatabase {
	db := &fakeDatabase{
		docs: make(map[string]couchdb.Document),
		revs: make(map[string]int),
	}
	f.databases[name] = db
	return db
}

// seed writes a document directly, bypassing write accounting.
func (f *fakeCouch) seed(database, id string, content couchdb.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	db, ok := f.databases[database]
	if !ok {
		db = f.createDatabase(database)
	}
	db.putLocked(id, content)
}

func (db *fakeDatabase) putLocked(id string, content couchdb.Document) {
	doc := make(couchdb.Document, len(content)+2)
	for k, v := range content {
		doc[k] = v
	}
	db.revs[id]++
	doc["_id"] = id
	doc["_rev"] = fmt.Sprintf("%d-fake", db.revs[id])
	db.docs[id] = doc
	db.seq++
	db.changes = append(db.changes, fakeChange{seq: db.seq, id: id})
}

func (f *fakeCouch) document(database, id string) couchdb.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	db, ok := f.databases[database]
	if !ok {
		return nil
	}
	return db.docs[id]
}

func (f *fakeCouch) writeCount(database, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[database+"/"+id]
}

func (f *fakeCouch) totalWrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.writes {
		total += n
	}
	return total
}

func (f *fakeCouch) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	switch {
	case path == "":
		writeJSON(w, http.StatusOK, map[string]any{"couchdb": "Welcome"})
	case path == "_session":
		f.mu.Lock()
		user := f.sessionUser
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"userCtx": map[string]any{"name": user, "roles": []string{}},
		})
	case path == "_all_dbs":
		f.mu.Lock()
		names := make([]string, 0, len(f.databases))
		for name := range f.databases {
			names = append(names, name)
		}
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, names)
	default:
		f.handleDatabase(w, r, path)
	}
}

func (f *fakeCouch) handleDatabase(w http.ResponseWriter, r *http.Request, path string) {
	name, rest, _ := strings.Cut(path, "/")
	switch {
	case rest == "":
		f.handleDatabaseRoot(w, r, name)
	case rest == "_changes":
		f.handleChanges(w, r, name)
	default:
		f.handleDocument(w, r, name, rest)
	}
}

func (f *fakeCouch) handleDatabaseRoot(w http.ResponseWriter, r *http.Request, name string) {
	f.mu.Lock()
	db, exists := f.databases[name]
	switch r.Method {
	case http.MethodHead:
		f.mu.Unlock()
		if exists {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	case http.MethodGet:
		if !exists {
			f.mu.Unlock()
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "reason": "no_db_file"})
			return
		}
		seq := db.seq
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"db_name":    name,
			"update_seq": strconv.Itoa(seq),
		})
	case http.MethodPut:
		f.creates[name]++
		if exists {
			f.mu.Unlock()
			writeJSON(w, http.StatusPreconditionFailed, map[string]any{
				"error": "file_exists", "reason": "The database could not be created, the file already exists.",
			})
			return
		}
		f.createDatabase(name)
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
	default:
		f.mu.Unlock()
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeCouch) handleDocument(w http.ResponseWriter, r *http.Request, name, id string) {
	f.mu.Lock()
	db, exists := f.databases[name]
	if !exists {
		f.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "reason": "no_db_file"})
		return
	}
	switch r.Method {
	case http.MethodGet:
		doc, ok := db.docs[id]
		f.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "reason": "missing"})
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodPut:
		defer f.mu.Unlock()
		var incoming couchdb.Document
		if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad_request"})
			return
		}
		current, ok := db.docs[id]
		if ok && current.Rev() != incoming.Rev() {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "conflict", "reason": "Document update conflict."})
			return
		}
		content := make(couchdb.Document, len(incoming))
		for k, v := range incoming {
			if k == "_id" || k == "_rev" {
				continue
			}
			content[k] = v
		}
		db.putLocked(id, content)
		f.writes[name+"/"+id]++
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id, "rev": db.docs[id].Rev()})
	default:
		f.mu.Unlock()
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleChanges serves a bounded longpoll: it answers as soon as a
// change past `since` exists, or after a short timeout with no results.
func (f *fakeCouch) handleChanges(w http.ResponseWriter, r *http.Request, name string) {
	since, _ := strconv.Atoi(r.URL.Query().Get("since"))
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		db, exists := f.databases[name]
		if !exists {
			f.mu.Unlock()
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "reason": "no_db_file"})
			return
		}
		results := make([]map[string]any, 0)
		last := since
		for _, change := range db.changes {
			if change.seq <= since {
				continue
			}
			results = append(results, map[string]any{
				"id":  change.id,
				"seq": strconv.Itoa(change.seq),
				"doc": db.docs[change.id],
			})
			last = change.seq
		}
		f.mu.Unlock()
		if len(results) > 0 || time.Now().After(deadline) {
			writeJSON(w, http.StatusOK, map[string]any{
				"results":  results,
				"last_seq": strconv.Itoa(last),
			})
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
