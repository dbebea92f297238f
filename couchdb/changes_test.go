package couchdb

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTarget struct {
	id string

	mu   sync.Mutex
	docs []Document
}

func (r *recordingTarget) ID() string { return r.id }

func (r *recordingTarget) Apply(doc Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, doc)
}

func (r *recordingTarget) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

func (r *recordingTarget) last() Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.docs) == 0 {
		return nil
	}
	return r.docs[len(r.docs)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatchPrimesAndDelivers(t *testing.T) {
	var mu sync.Mutex
	value := "initial"
	seq := 1

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		currentValue, currentSeq := value, seq
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/settings":
			_ = json.NewEncoder(w).Encode(map[string]any{"db_name": "settings", "update_seq": "1"})
		case "/settings/prefs":
			_ = json.NewEncoder(w).Encode(Document{"_id": "prefs", "_rev": "1-a", "v": currentValue})
		case "/settings/_changes":
			since := r.URL.Query().Get("since")
			if since >= "2" || currentSeq < 2 {
				// nothing new; answer like an expired longpoll
				time.Sleep(20 * time.Millisecond)
				_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}, "last_seq": since})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results": []any{map[string]any{
					"id":  "prefs",
					"seq": "2",
					"doc": Document{"_id": "prefs", "_rev": "2-b", "v": currentValue},
				}},
				"last_seq": "2",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not_found","reason":"missing"}`))
		}
	}))
	defer server.Close()

	target := &recordingTarget{id: "prefs"}
	stop := NewClient(server.URL, ClientOptions{Timeout: testTimeout}).Use("settings").Watch(WatchOptions{
		Targets: []WatchTarget{target},
	})
	defer stop()

	waitFor(t, "prime", func() bool { return target.count() >= 1 })
	assert.Equal(t, "initial", target.last()["v"])

	mu.Lock()
	value = "updated"
	seq = 2
	mu.Unlock()

	waitFor(t, "feed delivery", func() bool { return target.count() >= 2 })
	assert.Equal(t, "updated", target.last()["v"])

	stop()
	stop() // idempotent
}

func TestWatchReportsTransportErrorsAndRecovers(t *testing.T) {
	var mu sync.Mutex
	failChanges := true

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/settings":
			_ = json.NewEncoder(w).Encode(map[string]any{"db_name": "settings", "update_seq": "0"})
		case "/settings/_changes":
			mu.Lock()
			failing := failChanges
			mu.Unlock()
			if failing {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"unknown_error","reason":"boom"}`))
				return
			}
			if since := r.URL.Query().Get("since"); since >= "1" {
				time.Sleep(20 * time.Millisecond)
				_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}, "last_seq": since})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results": []any{map[string]any{
					"id":  "prefs",
					"seq": "1",
					"doc": Document{"_id": "prefs", "_rev": "1-a", "v": "late"},
				}},
				"last_seq": "1",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not_found","reason":"missing"}`))
		}
	}))
	defer server.Close()

	var errMu sync.Mutex
	var errCount int
	target := &recordingTarget{id: "prefs"}
	stop := NewClient(server.URL, ClientOptions{Timeout: testTimeout}).Use("settings").Watch(WatchOptions{
		Targets: []WatchTarget{target},
		OnError: func(error) {
			errMu.Lock()
			errCount++
			errMu.Unlock()
		},
		Backoff: BackoffConfig{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2},
	})
	defer stop()

	waitFor(t, "reported error", func() bool {
		errMu.Lock()
		defer errMu.Unlock()
		return errCount >= 1
	})

	mu.Lock()
	failChanges = false
	mu.Unlock()

	waitFor(t, "delivery after recovery", func() bool { return target.count() >= 1 })
	require.Equal(t, "late", target.last()["v"])
}
