package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validNodes() []*Node {
	return []*Node{
		{Name: "frankfurt", Primary: true, URL: "https://frankfurt.example.com", AccessKey: "frankfurt-key", SecretKey: "frankfurt-secret"},
		{Name: "berlin", URL: "https://berlin.example.com", AccessKey: "berlin-key", SecretKey: "berlin-secret"},
	}
}

func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		desc   string
		change func(*Config)
		errMsg string
	}{
		{
			desc:   "valid config",
			change: func(*Config) {},
		},
		{
			desc:   "TLS listener is enough",
			change: func(c *Config) { c.ListenAddr, c.TLSListenAddr = "", "localhost:4321" },
		},
		{
			desc:   "invalid role",
			change: func(c *Config) { c.Role = "observer" },
			errMsg: `invalid node role: "observer"`,
		},
		{
			desc:   "no listener",
			change: func(c *Config) { c.ListenAddr = "" },
			errMsg: "no listen address configured",
		},
		{
			desc:   "no nodes",
			change: func(c *Config) { c.Nodes = nil },
			errMsg: "no nodes configured",
		},
		{
			desc:   "no primary",
			change: func(c *Config) { c.Nodes[0].Primary = false },
			errMsg: "no primary node configured",
		},
		{
			desc:   "more than one primary",
			change: func(c *Config) { c.Nodes[1].Primary = true },
			errMsg: "more than one primary node configured",
		},
		{
			desc:   "unnamed node",
			change: func(c *Config) { c.Nodes[1].Name = "" },
			errMsg: "all nodes must have a name",
		},
		{
			desc:   "node without URL",
			change: func(c *Config) { c.Nodes[1].URL = "" },
			errMsg: `node "berlin": all nodes must have a URL`,
		},
		{
			desc:   "node without keys",
			change: func(c *Config) { c.Nodes[1].SecretKey = "" },
			errMsg: `node "berlin": all nodes must have an access key and a secret key`,
		},
		{
			desc:   "duplicate node names",
			change: func(c *Config) { c.Nodes[1].Name = "frankfurt" },
			errMsg: `node "frankfurt": node names must be unique`,
		},
		{
			desc:   "zero batch size",
			change: func(c *Config) { c.Replication.BatchSize = 0 },
			errMsg: "replication batch size was 0 but must be >=1",
		},
		{
			desc:   "retry limit below redownload threshold",
			change: func(c *Config) { c.Replication.RetryLimit = 3 },
			errMsg: "retry limit (3) must not be lower than retries before redownload (5)",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			conf := Config{
				Role:        RoleSecondary,
				ListenAddr:  "localhost:1234",
				Name:        "berlin",
				Nodes:       validNodes(),
				Replication: DefaultReplicationConfig(),
			}
			tc.change(&conf)

			err := conf.Validate()
			if tc.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tc.errMsg)
		})
	}
}

func TestConfigFromFile(t *testing.T) {
	content := `
role = "secondary"
listen_addr = "localhost:2305"
prometheus_listen_addr = "localhost:9236"
name = "berlin"
repositories_root = "/var/opt/geo/repositories"
uploads_root = "/var/opt/geo/uploads"
monitor_interval = "30s"

[replication]
batch_size = 100
retries_before_redownload = 3
retry_limit = 10
lease_timeout = "2h"

[gaps]
grace_period = "5m"

[logging]
level = "warn"
format = "json"

[sentry]
sentry_dsn = "abcd123"

[database]
host = "localhost"
port = 5432
user = "geo"
dbname = "geo_production"

[[node]]
name = "frankfurt"
primary = true
url = "https://frankfurt.example.com"
access_key = "frankfurt-key"
secret_key = "frankfurt-secret"

[[node]]
name = "berlin"
url = "https://berlin.example.com"
access_key = "berlin-key"
secret_key = "berlin-secret"
clone_url_prefix = "git@frankfurt.example.com:"
`

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	conf, err := FromFile(path)
	require.NoError(t, err)
	require.NoError(t, conf.Validate())

	require.Equal(t, RoleSecondary, conf.Role)
	require.Equal(t, "localhost:2305", conf.ListenAddr)
	require.Equal(t, "localhost:9236", conf.PrometheusListenAddr)
	require.Equal(t, "/var/opt/geo/repositories", conf.RepositoriesRoot)
	require.Equal(t, "/var/opt/geo/uploads", conf.UploadsRoot)
	require.Equal(t, 30*time.Second, conf.MonitorInterval.Duration())

	require.Equal(t, uint(100), conf.Replication.BatchSize)
	require.Equal(t, 3, conf.Replication.RetriesBeforeRedownload)
	require.Equal(t, 10, conf.Replication.RetryLimit)
	require.Equal(t, 2*time.Hour, conf.Replication.LeaseTimeout.Duration())

	require.Equal(t, 5*time.Minute, conf.Gaps.GracePeriod.Duration())

	require.Equal(t, "warn", conf.Logging.Level)
	require.Equal(t, "json", conf.Logging.Format)
	require.Equal(t, "abcd123", conf.Sentry.DSN)

	require.Equal(t, "localhost", conf.DB.Host)
	require.Equal(t, 5432, conf.DB.Port)
	require.Equal(t, "geo", conf.DB.User)
	require.Equal(t, "geo_production", conf.DB.DBName)

	require.Len(t, conf.Nodes, 2)
	require.Equal(t, "git@frankfurt.example.com:", conf.Nodes[1].CloneURLPrefix)
}

func TestConfigFromFileDefaults(t *testing.T) {
	content := `
role = "primary"
listen_addr = "localhost:2305"
name = "frankfurt"

[[node]]
name = "frankfurt"
primary = true
url = "https://frankfurt.example.com"
access_key = "frankfurt-key"
secret_key = "frankfurt-secret"
`

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	conf, err := FromFile(path)
	require.NoError(t, err)

	require.Equal(t, DefaultReplicationConfig(), conf.Replication)
	require.Equal(t, DefaultGapsConfig(), conf.Gaps)
	require.Equal(t, time.Minute, conf.GracefulStopTimeout.Duration())
	require.Equal(t, 10*time.Second, conf.MonitorInterval.Duration())
}

func TestConfigFromFileDatabaseOverrides(t *testing.T) {
	t.Setenv("GEO_DB_PGHOST", "db.example.com")
	t.Setenv("GEO_DB_PGPORT", "6432")

	content := `
role = "primary"
listen_addr = "localhost:2305"

[database]
host = "localhost"
port = 5432
`

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	conf, err := FromFile(path)
	require.NoError(t, err)

	require.Equal(t, "db.example.com", conf.DB.Host)
	require.Equal(t, 6432, conf.DB.Port)
}

func TestConfigNodeSelectors(t *testing.T) {
	conf := Config{Name: "berlin", Nodes: validNodes()}

	primary := conf.Primary()
	require.NotNil(t, primary)
	require.Equal(t, "frankfurt", primary.Name)

	secondaries := conf.Secondaries()
	require.Len(t, secondaries, 1)
	require.Equal(t, "berlin", secondaries[0].Name)

	local := conf.LocalNode()
	require.NotNil(t, local)
	require.Equal(t, "berlin", local.Name)

	conf.Name = "sydney"
	require.Nil(t, conf.LocalNode())

	require.Equal(t, "frankfurt", conf.NodeByAccessKey("frankfurt-key").Name)
	require.Nil(t, conf.NodeByAccessKey("unknown-key"))
}

func TestNodeHidesSecretKey(t *testing.T) {
	node := Node{
		Name:      "berlin",
		URL:       "https://berlin.example.com",
		AccessKey: "berlin-key",
		SecretKey: "berlin-secret",
	}

	require.NotContains(t, node.String(), "berlin-secret")

	data, err := json.Marshal(node)
	require.NoError(t, err)
	require.NotContains(t, string(data), "berlin-secret")
	require.Contains(t, string(data), "berlin-key")
}
