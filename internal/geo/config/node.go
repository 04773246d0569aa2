package config

import (
	"encoding/json"
	"fmt"
)

// Node describes a Geo node taking part in replication. The primary node is
// the source of truth; secondaries pull repository and file content from it.
type Node struct {
	Name string `toml:"name,omitempty"`
	// Primary marks the single node all secondaries replicate from.
	Primary bool `toml:"primary,omitempty"`
	// URL is the base URL of the node's API endpoints.
	URL string `toml:"url,omitempty"`
	// AccessKey identifies this node on signed inter-node requests.
	AccessKey string `toml:"access_key,omitempty"`
	// SecretKey is the shared secret used to sign inter-node requests. It is
	// never transmitted; only per-request tokens derived from it are.
	SecretKey string `toml:"secret_key,omitempty"`
	// CloneURLPrefix is prepended to repository paths when fetching over SSH.
	CloneURLPrefix string `toml:"clone_url_prefix,omitempty"`
	// Namespaces optionally restricts replication to the listed namespaces.
	Namespaces []string `toml:"namespaces,omitempty"`
}

// MarshalJSON hides the secret key from any serialized form of the node.
func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"name":       n.Name,
		"primary":    n.Primary,
		"url":        n.URL,
		"access_key": n.AccessKey,
	})
}

// String prints out the node attributes but hiding the secret key
func (n Node) String() string {
	return fmt.Sprintf("name: %s, url: %s, primary: %v", n.Name, n.URL, n.Primary)
}
