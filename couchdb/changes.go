package couchdb

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jsfix-ci/edge-server-tools/internal/observability"
)

// longpollTimeout must stay below the HTTP client timeout so an idle
// poll returns normally instead of as a transport error.
const longpollTimeout = 55 * time.Second

// WatchTarget is one document kept current by the watcher. The setup
// package's synced documents satisfy this.
type WatchTarget interface {
	ID() string
	Apply(doc Document)
}

// WatchOptions configures one continuous changes-feed subscription.
type WatchOptions struct {
	// Targets receive their own document on every change.
	Targets []WatchTarget
	// OnChange, when set, observes every changed document.
	OnChange func(doc Document)
	// OnError receives transport failures; the loop keeps running.
	OnError func(err error)
	// Backoff shapes reconnect delays; zero means DefaultBackoff.
	Backoff BackoffConfig
}

// Watch starts a continuous changes-feed loop for this database. Each
// target is synchronized once up front, then kept current from the
// feed. The returned stop function is idempotent.
func (d *Database) Watch(opts WatchOptions) func() {
	if opts.Backoff == (BackoffConfig{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.OnError == nil {
		opts.OnError = func(error) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	watchID := uuid.NewString()[:8]
	go d.watchLoop(ctx, watchID, opts)

	var once sync.Once
	return func() {
		once.Do(cancel)
	}
}

type changesPage struct {
	Results []struct {
		ID      string   `json:"id"`
		Doc     Document `json:"doc"`
		Deleted bool     `json:"deleted"`
	} `json:"results"`
	LastSeq string `json:"last_seq"`
}

func (d *Database) watchLoop(ctx context.Context, watchID string, opts WatchOptions) {
	targets := make(map[string]WatchTarget, len(opts.Targets))
	for _, t := range opts.Targets {
		targets[t.ID()] = t
	}
	log.Debug().Str("watch", watchID).Str("database", d.name).Int("targets", len(targets)).Msg("watch_start")

	// Capture the feed position before priming so changes racing the
	// initial synchronization are replayed rather than missed.
	since := "now"
	if info, err := d.Info(ctx); err == nil && info.UpdateSeq != "" {
		since = info.UpdateSeq
	}
	d.primeTargets(ctx, opts, targets)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		page, err := d.pollChanges(ctx, since)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			attempt++
			opts.OnError(fmt.Errorf("watch %s: %w", d.name, err))
			observability.RecordWatchRestart(d.name)
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextBackoffDelay(opts.Backoff, attempt, rng)):
			}
			continue
		}
		attempt = 0
		if page.LastSeq != "" {
			since = page.LastSeq
		}
		for _, change := range page.Results {
			if change.Deleted || change.Doc == nil {
				continue
			}
			if target, ok := targets[change.ID]; ok {
				target.Apply(change.Doc)
			}
			if opts.OnChange != nil {
				opts.OnChange(change.Doc)
			}
		}
	}
}

// primeTargets delivers each target's current document before the feed
// takes over. Documents still absent at this point are simply skipped;
// the feed delivers them once someone writes them.
func (d *Database) primeTargets(ctx context.Context, opts WatchOptions, targets map[string]WatchTarget) {
	for id, target := range targets {
		doc, err := d.Get(ctx, id)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			opts.OnError(fmt.Errorf("watch %s: prime %s: %w", d.name, id, err))
			continue
		}
		target.Apply(doc)
	}
}

func (d *Database) pollChanges(ctx context.Context, since string) (changesPage, error) {
	params := url.Values{}
	params.Set("feed", "longpoll")
	params.Set("include_docs", "true")
	params.Set("since", since)
	params.Set("timeout", fmt.Sprintf("%d", longpollTimeout.Milliseconds()))
	path := "/" + url.PathEscape(d.name) + "/_changes?" + params.Encode()

	var page changesPage
	err := d.client.request(ctx, http.MethodGet, path, nil, &page)
	return page, err
}
