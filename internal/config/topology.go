// Package config loads the couchctl topology bootstrap file.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/jsfix-ci/edge-server-tools/setup"
)

// TopologyFile is one topology bootstrap document on disk.
type TopologyFile struct {
	Clusters map[string]ClusterEntry `toml:"clusters"`
}

// ClusterEntry is one cluster's policy as written in TOML.
type ClusterEntry struct {
	URL       string   `toml:"url"`
	BasicAuth string   `toml:"basic_auth"`
	Mode      string   `toml:"mode"`
	Include   []string `toml:"include"`
	Exclude   []string `toml:"exclude"`
	PullFrom  []string `toml:"pull_from"`
	PushTo    []string `toml:"push_to"`
}

var validModes = []string{setup.ModeSource, setup.ModeTarget, setup.ModeBoth, setup.ModeNone}

// LoadTopology reads and validates one topology bootstrap file.
func LoadTopology(path string) (setup.ClusterTopology, error) {
	var file TopologyFile
	if err := loadToml(path, &file); err != nil {
		return setup.ClusterTopology{}, err
	}
	if err := ValidateTopology(file); err != nil {
		return setup.ClusterTopology{}, err
	}
	return Convert(file), nil
}

// ValidateTopology enforces per-cluster fields before conversion.
func ValidateTopology(file TopologyFile) error {
	if len(file.Clusters) == 0 {
		return fmt.Errorf("topology: no clusters configured")
	}
	for name, entry := range file.Clusters {
		if strings.TrimSpace(entry.URL) == "" {
			return fmt.Errorf("topology: cluster %s: url required", name)
		}
		mode := entry.Mode
		if mode == "" {
			mode = setup.ModeBoth
		}
		if !slices.Contains(validModes, mode) {
			return fmt.Errorf("topology: cluster %s: invalid mode %q", name, entry.Mode)
		}
	}
	return nil
}

// Convert maps a validated file onto the setup package's topology.
func Convert(file TopologyFile) setup.ClusterTopology {
	clusters := make(map[string]setup.ClusterPolicy, len(file.Clusters))
	for name, entry := range file.Clusters {
		mode := entry.Mode
		if mode == "" {
			mode = setup.ModeBoth
		}
		clusters[name] = setup.ClusterPolicy{
			URL:       entry.URL,
			BasicAuth: entry.BasicAuth,
			Mode:      mode,
			Include:   entry.Include,
			Exclude:   entry.Exclude,
			PullFrom:  entry.PullFrom,
			PushTo:    entry.PushTo,
		}
	}
	return setup.ClusterTopology{Clusters: clusters}
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("topology load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("topology parse failed (%s): %w", path, err)
	}
	return nil
}
