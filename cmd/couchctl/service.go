package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/jsfix-ci/edge-server-tools/couchdb"
	"github.com/jsfix-ci/edge-server-tools/internal/config"
	"github.com/jsfix-ci/edge-server-tools/internal/observability"
	"github.com/jsfix-ci/edge-server-tools/setup"
)

// topologyDocID is the default id of the live topology document.
const topologyDocID = "cluster-topology"

// serviceConfig is the couchctl daemon runtime configuration.
type serviceConfig struct {
	ServerURL        string
	Username         string
	Password         string
	CurrentCluster   string
	AdminAddr        string
	CORSOrigins      []string
	TopologyFile     string
	TopologyDatabase string
	TopologyDocument string
	DisableWatching  bool
	Databases        []databaseSetupConfig
}

// databaseSetupConfig is one database entry converted to driver types.
type databaseSetupConfig struct {
	Name              string
	IgnoreMissing     bool
	CreateOptions     *couchdb.CreateOptions
	ExactDocuments    map[string]couchdb.Document
	TemplateDocuments map[string]couchdb.Document
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		ServerURL:        "http://127.0.0.1:5984",
		TopologyDatabase: "couch-settings",
		TopologyDocument: topologyDocID,
	}
}

type databaseStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type service struct {
	cfg     serviceConfig
	client  *couchdb.Client
	started time.Time

	mu        sync.Mutex
	statuses  []databaseStatus
	disposers []setup.Disposer
}

func newService(cfg serviceConfig) *service {
	return &service{
		cfg: cfg,
		client: couchdb.NewClient(cfg.ServerURL, couchdb.ClientOptions{
			Username: cfg.Username,
			Password: cfg.Password,
		}),
		started: time.Now(),
	}
}

// Run blocks until signal shutdown, then disposes every reconcile
// pipeline the daemon started.
func (s *service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer s.dispose()

	if err := s.client.Ping(ctx); err != nil {
		return fmt.Errorf("couchctl: server unreachable: %w", err)
	}

	opts := setup.SetupOptions{
		CurrentCluster:  s.cfg.CurrentCluster,
		DisableWatching: s.cfg.DisableWatching,
		OnError: func(err error) {
			log.Error().Err(err).Msg("background reconcile failure")
		},
	}
	if s.cfg.TopologyFile != "" {
		topologyDoc, err := s.bootstrapTopology(ctx)
		if err != nil {
			return err
		}
		opts.Topology = topologyDoc
	}

	for _, db := range s.cfg.Databases {
		s.reconcile(ctx, db, opts)
	}

	adminErr := make(chan error, 1)
	if s.cfg.AdminAddr != "" {
		srv := &http.Server{Addr: s.cfg.AdminAddr, Handler: s.adminRouter()}
		go func() {
			log.Info().Str("addr", s.cfg.AdminAddr).Msg("admin listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErr <- err
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		return nil
	case err := <-adminErr:
		return fmt.Errorf("couchctl: admin server: %w", err)
	}
}

// bootstrapTopology loads the topology file, seeds the live topology
// document with it, and runs the plain reconcile pipeline on the
// settings database so the document stays watched.
func (s *service) bootstrapTopology(ctx context.Context) (*setup.SyncedDocument, error) {
	topology, err := config.LoadTopology(s.cfg.TopologyFile)
	if err != nil {
		return nil, err
	}
	fallback, err := setup.TopologyDocumentContent(topology)
	if err != nil {
		return nil, err
	}
	topologyDoc := setup.NewSyncedDocument(s.cfg.TopologyDocument, fallback)

	settingsSetup := setup.DatabaseSetup{
		Name:            s.cfg.TopologyDatabase,
		SyncedDocuments: []*setup.SyncedDocument{topologyDoc},
	}
	settingsOpts := setup.SetupOptions{DisableWatching: s.cfg.DisableWatching}
	disposer, err := setup.SetupDatabase(ctx, s.client, settingsSetup, settingsOpts)
	if err != nil {
		return nil, fmt.Errorf("couchctl: topology bootstrap: %w", err)
	}
	s.track(disposer)
	return topologyDoc, nil
}

func (s *service) reconcile(ctx context.Context, db databaseSetupConfig, opts setup.SetupOptions) {
	disposer, err := setup.SetupDatabase(ctx, s.client, setup.DatabaseSetup{
		Name:              db.Name,
		CreateOptions:     db.CreateOptions,
		ExactDocuments:    db.ExactDocuments,
		TemplateDocuments: db.TemplateDocuments,
		IgnoreMissing:     db.IgnoreMissing,
	}, opts)

	status := databaseStatus{Name: db.Name, Status: "ok"}
	if err != nil {
		log.Error().Err(err).Str("database", db.Name).Msg("reconcile failed")
		status.Status = "error"
		status.Error = err.Error()
	} else {
		s.track(disposer)
	}
	s.mu.Lock()
	s.statuses = append(s.statuses, status)
	s.mu.Unlock()
}

func (s *service) track(d setup.Disposer) {
	s.mu.Lock()
	s.disposers = append(s.disposers, d)
	s.mu.Unlock()
}

func (s *service) dispose() {
	s.mu.Lock()
	disposers := s.disposers
	s.disposers = nil
	s.mu.Unlock()
	for _, d := range disposers {
		d.Dispose()
	}
}

func (s *service) adminRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.Instrument("couchctl", log.Logger))
	if len(s.cfg.CORSOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = s.cfg.CORSOrigins
		router.Use(cors.New(corsCfg))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": "couchctl",
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"uptime": time.Since(s.started).String(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/databases", func(c *gin.Context) {
		s.mu.Lock()
		statuses := make([]databaseStatus, len(s.statuses))
		copy(statuses, s.statuses)
		s.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"databases": statuses})
	})
	return router
}
