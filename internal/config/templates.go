package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes a starter topology file for operators to edit.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("topology config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(topologyTemplate), 0o600)
}

const topologyTemplate = `# couchctl topology bootstrap
#
# Each cluster declares its own replication policy. Modes:
#   source - peers pull from this cluster by default
#   target - peers push to this cluster by default
#   both   - both of the above
#   none   - no default replication edges

[clusters.local]
url = "http://127.0.0.1:5984"
mode = "both"
# include = ["*"]
# exclude = []

[clusters.remote]
url = "https://couch.example.com"
# basic_auth = "base64-user-colon-password"
mode = "both"
`
