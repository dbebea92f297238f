package setup

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jsfix-ci/edge-server-tools/couchdb"
)

// Cluster replication modes.
const (
	ModeSource = "source"
	ModeTarget = "target"
	ModeBoth   = "both"
	ModeNone   = "none"
)

// ClusterTopology describes every cluster's replication policy. It is
// usually the live content of a shared topology document.
type ClusterTopology struct {
	Clusters map[string]ClusterPolicy `json:"clusters"`
}

// ClusterPolicy is one cluster's declared replication policy.
type ClusterPolicy struct {
	// URL is the cluster's base URL.
	URL string `json:"url"`
	// BasicAuth is a pre-encoded basic-auth credential, or "".
	BasicAuth string `json:"basicAuth,omitempty"`
	// Mode is one of source, target, both, none.
	Mode string `json:"mode"`
	// Include and Exclude filter database names; a trailing `*` is a
	// prefix wildcard. Include defaults to ["*"], Exclude to [].
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
	// PullFrom and PushTo name peer clusters explicitly. When absent,
	// peers default to every other cluster with mode source/both (for
	// pull) or target/both (for push).
	PullFrom []string `json:"pullFrom,omitempty"`
	PushTo   []string `json:"pushTo,omitempty"`
}

// Accepts reports whether the policy's include/exclude lists allow the
// database name.
func (p ClusterPolicy) Accepts(database string) bool {
	include := p.Include
	if include == nil {
		include = []string{"*"}
	}
	return matchesAny(include, database) && !matchesAny(p.Exclude, database)
}

// matchPattern matches name against pattern; a trailing `*` denotes a
// prefix wildcard, anything else is an exact match.
func matchPattern(pattern, name string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}

func matchesAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if matchPattern(pattern, name) {
			return true
		}
	}
	return false
}

// pullPeers resolves the clusters the local cluster pulls from.
func (t ClusterTopology) pullPeers(local string) []string {
	if policy, ok := t.Clusters[local]; ok && policy.PullFrom != nil {
		return policy.PullFrom
	}
	return t.peersByMode(local, ModeSource)
}

// pushPeers resolves the clusters the local cluster pushes to.
func (t ClusterTopology) pushPeers(local string) []string {
	if policy, ok := t.Clusters[local]; ok && policy.PushTo != nil {
		return policy.PushTo
	}
	return t.peersByMode(local, ModeTarget)
}

// peersByMode lists every cluster other than local whose mode is either
// the given mode or "both".
func (t ClusterTopology) peersByMode(local, mode string) []string {
	peers := make([]string, 0, len(t.Clusters))
	for name, policy := range t.Clusters {
		if name == local {
			continue
		}
		if policy.Mode == mode || policy.Mode == ModeBoth {
			peers = append(peers, name)
		}
	}
	return peers
}

// TopologyDocumentContent renders a topology as document content, the
// shape TopologyFromDocument reads back.
func TopologyDocumentContent(topology ClusterTopology) (couchdb.Document, error) {
	data, err := json.Marshal(topology)
	if err != nil {
		return nil, fmt.Errorf("setup: encode topology: %w", err)
	}
	var doc couchdb.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("setup: encode topology: %w", err)
	}
	return doc, nil
}

// TopologyFromDocument decodes a topology document's content. Unknown
// keys are ignored so topology documents can carry bookkeeping fields.
func TopologyFromDocument(doc couchdb.Document) (ClusterTopology, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return ClusterTopology{}, fmt.Errorf("setup: encode topology document: %w", err)
	}
	var topology ClusterTopology
	if err := json.Unmarshal(data, &topology); err != nil {
		return ClusterTopology{}, fmt.Errorf("setup: decode topology document: %w", err)
	}
	return topology, nil
}
