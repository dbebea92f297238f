package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jsfix-ci/edge-server-tools/couchdb"
)

// couchctl config.toml key mapping to daemon runtime settings.
type fileConfig struct {
	ServerURL        string           `toml:"server_url"`
	Username         string           `toml:"username"`
	Password         string           `toml:"password"`
	CurrentCluster   string           `toml:"current_cluster"`
	AdminAddr        string           `toml:"admin_addr"`
	CORSOrigins      []string         `toml:"cors_origins"`
	TopologyFile     string           `toml:"topology_file"`
	TopologyDatabase string           `toml:"topology_database"`
	TopologyDocument string           `toml:"topology_document"`
	DisableWatching  bool             `toml:"disable_watching"`
	Databases        []databaseConfig `toml:"database"`
}

type databaseConfig struct {
	Name              string                    `toml:"name"`
	IgnoreMissing     bool                      `toml:"ignore_missing"`
	Partitioned       bool                      `toml:"partitioned"`
	Shards            int                       `toml:"shards"`
	Replicas          int                       `toml:"replicas"`
	ExactDocuments    map[string]map[string]any `toml:"exact_documents"`
	TemplateDocuments map[string]map[string]any `toml:"template_documents"`
}

// couchctl loader for TOML config with default overlay.
func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load couchctl config: %w", err)
	}

	if meta.IsDefined("server_url") {
		cfg.ServerURL = strings.TrimSuffix(strings.TrimSpace(raw.ServerURL), "/")
	}
	if meta.IsDefined("username") {
		cfg.Username = raw.Username
	}
	if meta.IsDefined("password") {
		cfg.Password = raw.Password
	}
	if meta.IsDefined("current_cluster") {
		cfg.CurrentCluster = strings.TrimSpace(raw.CurrentCluster)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("topology_file") {
		cfg.TopologyFile = strings.TrimSpace(raw.TopologyFile)
	}
	if meta.IsDefined("topology_database") {
		cfg.TopologyDatabase = strings.TrimSpace(raw.TopologyDatabase)
	}
	if meta.IsDefined("topology_document") {
		cfg.TopologyDocument = strings.TrimSpace(raw.TopologyDocument)
	}
	if meta.IsDefined("disable_watching") {
		cfg.DisableWatching = raw.DisableWatching
	}

	for _, db := range raw.Databases {
		converted, err := convertDatabaseConfig(db)
		if err != nil {
			return serviceConfig{}, err
		}
		cfg.Databases = append(cfg.Databases, converted)
	}

	if err := validateServiceConfig(cfg); err != nil {
		return serviceConfig{}, err
	}
	return cfg, nil
}

func convertDatabaseConfig(db databaseConfig) (databaseSetupConfig, error) {
	name := strings.TrimSpace(db.Name)
	if name == "" {
		return databaseSetupConfig{}, fmt.Errorf("couchctl config: database entry missing name")
	}
	out := databaseSetupConfig{
		Name:              name,
		IgnoreMissing:     db.IgnoreMissing,
		ExactDocuments:    make(map[string]couchdb.Document, len(db.ExactDocuments)),
		TemplateDocuments: make(map[string]couchdb.Document, len(db.TemplateDocuments)),
	}
	if db.Partitioned || db.Shards > 0 || db.Replicas > 0 {
		out.CreateOptions = &couchdb.CreateOptions{
			Shards:      db.Shards,
			Replicas:    db.Replicas,
			Partitioned: db.Partitioned,
		}
	}
	for id, content := range db.ExactDocuments {
		out.ExactDocuments[id] = couchdb.Document(content)
	}
	for id, content := range db.TemplateDocuments {
		out.TemplateDocuments[id] = couchdb.Document(content)
	}
	return out, nil
}

func validateServiceConfig(cfg serviceConfig) error {
	if cfg.ServerURL == "" {
		return fmt.Errorf("couchctl config: server_url required")
	}
	if cfg.TopologyFile != "" && cfg.CurrentCluster == "" {
		return fmt.Errorf("couchctl config: current_cluster required with topology_file")
	}
	seen := make(map[string]bool, len(cfg.Databases))
	for _, db := range cfg.Databases {
		if seen[db.Name] {
			return fmt.Errorf("couchctl config: duplicate database %s", db.Name)
		}
		seen[db.Name] = true
	}
	return nil
}
