package setup

import (
	"slices"
	"strings"

	"github.com/jsfix-ci/edge-server-tools/couchdb"
)

// ReplicatorDatabase is the fixed database the server's replicator
// reads continuous replication jobs from.
const ReplicatorDatabase = "_replicator"

// Endpoint is one side of a replication job carrying an auth header.
// Unauthenticated endpoints are written as bare URL strings instead.
type Endpoint struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// ReplicationJob is the document shape the server's replicator
// consumes. Source and Target hold either a string or an Endpoint.
type ReplicationJob struct {
	Continuous         bool                   `json:"continuous"`
	CreateTarget       bool                   `json:"create_target"`
	CreateTargetParams *couchdb.CreateOptions `json:"create_target_params,omitempty"`
	Owner              string                 `json:"owner"`
	Source             any                    `json:"source"`
	Target             any                    `json:"target"`
}

// replicationEndpoint builds one endpoint for a database on a cluster:
// base URL with any trailing slash stripped, plus the database name,
// wrapped with a basic-auth header when the cluster declares one.
func replicationEndpoint(policy ClusterPolicy, database string) any {
	url := strings.TrimSuffix(policy.URL, "/") + "/" + database
	if policy.BasicAuth == "" {
		return url
	}
	return Endpoint{
		URL:     url,
		Headers: map[string]string{"Authorization": "Basic " + policy.BasicAuth},
	}
}

// jobDirection classifies a planned job for metrics. Only push jobs
// create their target, so the flag is the reliable discriminator even
// for database names that contain ".from." or ".to." themselves.
func jobDirection(job ReplicationJob) string {
	if job.CreateTarget {
		return "push"
	}
	return "pull"
}

// PlanReplicationJobs derives the replication jobs the local cluster
// must declare for one database. Job ids are deterministic
// ("<db>.from.<peer>" / "<db>.to.<peer>") so re-planning is idempotent.
// A local cluster absent from the topology plans nothing.
func PlanReplicationJobs(topology ClusterTopology, local string, database DatabaseSetup, owner string) map[string]ReplicationJob {
	localPolicy, ok := topology.Clusters[local]
	if !ok {
		return nil
	}
	if !localPolicy.Accepts(database.Name) {
		return map[string]ReplicationJob{}
	}
	pullFrom := topology.pullPeers(local)
	pushTo := topology.pushPeers(local)

	jobs := make(map[string]ReplicationJob)
	for peer, remotePolicy := range topology.Clusters {
		if peer == local {
			continue
		}
		if !remotePolicy.Accepts(database.Name) {
			continue
		}
		if slices.Contains(pullFrom, peer) {
			jobs[database.Name+".from."+peer] = ReplicationJob{
				Continuous: true,
				Owner:      owner,
				Source:     replicationEndpoint(remotePolicy, database.Name),
				Target:     replicationEndpoint(localPolicy, database.Name),
			}
		}
		if slices.Contains(pushTo, peer) {
			jobs[database.Name+".to."+peer] = ReplicationJob{
				Continuous:         true,
				CreateTarget:       true,
				CreateTargetParams: database.CreateOptions,
				Owner:              owner,
				Source:             replicationEndpoint(localPolicy, database.Name),
				Target:             replicationEndpoint(remotePolicy, database.Name),
			}
		}
	}
	return jobs
}
