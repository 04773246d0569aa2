package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	"gitlab.com/gitlab-org/geo/internal/geo/config/sentry"
	"gitlab.com/gitlab-org/geo/internal/log"
)

// Role determines whether a node serves replication data or consumes it.
type Role string

const (
	// RolePrimary is the single source-of-truth node.
	RolePrimary Role = "primary"
	// RoleSecondary is a read replica that pulls content from the primary.
	RoleSecondary Role = "secondary"
)

func (r Role) validate() error {
	switch r {
	case RolePrimary, RoleSecondary:
		return nil
	default:
		return fmt.Errorf("invalid node role: %q", r)
	}
}

// Replication contains the retry/redownload policy knobs of the sync state
// machine.
type Replication struct {
	// BatchSize controls how many queued update notifications are popped
	// and fanned out in a single notifier pass.
	BatchSize uint `toml:"batch_size,omitempty"`
	// RetriesBeforeRedownload is the number of failed incremental fetch
	// attempts after which a full redownload is scheduled.
	RetriesBeforeRedownload int `toml:"retries_before_redownload,omitempty"`
	// RetryLimit is the number of attempts after which the registry entry is
	// reset and the cycle starts fresh on the next trigger.
	RetryLimit int `toml:"retry_limit,omitempty"`
	// LeaseTimeout bounds an incremental sync attempt.
	LeaseTimeout Duration `toml:"lease_timeout,omitempty"`
	// RedownloadLeaseTimeout bounds a full redownload attempt.
	RedownloadLeaseTimeout Duration `toml:"redownload_lease_timeout,omitempty"`
}

// DefaultReplicationConfig returns the default values for replication configuration.
func DefaultReplicationConfig() Replication {
	return Replication{
		BatchSize:               250,
		RetriesBeforeRedownload: 5,
		RetryLimit:              8,
		LeaseTimeout:            Duration(time.Hour),
		RedownloadLeaseTimeout:  Duration(8 * time.Hour),
	}
}

// Gaps configures the event log gap tracker windows.
type Gaps struct {
	// GracePeriod is how long a missing event ID is left alone before a
	// backfill is attempted, to tolerate commit-order skew.
	GracePeriod Duration `toml:"grace_period,omitempty"`
	// OutdatedPeriod is the age after which an unfilled gap is abandoned as
	// permanently lost.
	OutdatedPeriod Duration `toml:"outdated_period,omitempty"`
}

// DefaultGapsConfig returns the default gap tracker windows.
func DefaultGapsConfig() Gaps {
	return Gaps{
		GracePeriod:    Duration(10 * time.Minute),
		OutdatedPeriod: Duration(time.Hour),
	}
}

// Logging contains logging configuration values
type Logging struct {
	Dir    string `toml:"dir,omitempty"`
	Format string `toml:"format,omitempty"`
	Level  string `toml:"level,omitempty"`
}

// Config is a container for everything found in the TOML config file
type Config struct {
	// Role selects primary or secondary behavior for this process.
	Role          Role   `toml:"role,omitempty"`
	ListenAddr    string `toml:"listen_addr,omitempty"`
	TLSListenAddr string `toml:"tls_listen_addr,omitempty"`
	// Name identifies this node; it must match a [[node]] entry.
	Name string `toml:"name,omitempty"`
	// RepositoriesRoot is the directory holding replicated repositories.
	RepositoriesRoot string `toml:"repositories_root,omitempty"`
	// UploadsRoot is the directory holding replicated uploads/attachments.
	UploadsRoot string `toml:"uploads_root,omitempty"`

	Nodes                []*Node       `toml:"node,omitempty"`
	Replication          Replication   `toml:"replication,omitempty"`
	Gaps                 Gaps          `toml:"gaps,omitempty"`
	Logging              Logging       `toml:"logging,omitempty"`
	Sentry               sentry.Config `toml:"sentry,omitempty"`
	PrometheusListenAddr string        `toml:"prometheus_listen_addr,omitempty"`
	DB                   DB            `toml:"database,omitempty"`
	// MonitorInterval is the period between node status sweeps.
	MonitorInterval     Duration `toml:"monitor_interval,omitempty"`
	GracefulStopTimeout Duration `toml:"graceful_stop_timeout,omitempty"`
	// MemoryQueueEnabled switches the update queue and lease store to their
	// in-process implementations. This must never be used outside of tests
	// and single-node setups.
	MemoryQueueEnabled bool `toml:"memory_queue_enabled,omitempty"`
}

// FromFile loads the config for the passed file path
func FromFile(filePath string) (Config, error) {
	b, err := os.ReadFile(filePath)
	if err != nil {
		return Config{}, err
	}

	conf := &Config{
		Replication: DefaultReplicationConfig(),
		Gaps:        DefaultGapsConfig(),
	}
	if err := toml.Unmarshal(b, conf); err != nil {
		return Config{}, err
	}

	if err := envconfig.Process("geo_db", &conf.DB); err != nil {
		return Config{}, fmt.Errorf("reading database environment overrides: %w", err)
	}

	conf.setDefaults()

	return *conf, nil
}

var (
	errNoListener        = errors.New("no listen address configured")
	errNoNodes           = errors.New("no nodes configured")
	errNoPrimary         = errors.New("no primary node configured")
	errDuplicatePrimary  = errors.New("more than one primary node configured")
	errNodeUnnamed       = errors.New("all nodes must have a name")
	errNodeWithoutURL    = errors.New("all nodes must have a URL")
	errNodesNotUnique    = errors.New("node names must be unique")
	errNodeWithoutSecret = errors.New("all nodes must have an access key and a secret key")
)

// Validate establishes if the config is valid
func (c *Config) Validate() error {
	if err := c.Role.validate(); err != nil {
		return err
	}

	if c.ListenAddr == "" && c.TLSListenAddr == "" {
		return errNoListener
	}

	if len(c.Nodes) == 0 {
		return errNoNodes
	}

	if c.Replication.BatchSize < 1 {
		return fmt.Errorf("replication batch size was %d but must be >=1", c.Replication.BatchSize)
	}

	if c.Replication.RetryLimit < c.Replication.RetriesBeforeRedownload {
		return fmt.Errorf(
			"retry limit (%d) must not be lower than retries before redownload (%d)",
			c.Replication.RetryLimit, c.Replication.RetriesBeforeRedownload,
		)
	}

	var primaries int
	names := make(map[string]struct{}, len(c.Nodes))
	for _, node := range c.Nodes {
		if node.Name == "" {
			return errNodeUnnamed
		}

		if node.URL == "" {
			return fmt.Errorf("node %q: %w", node.Name, errNodeWithoutURL)
		}

		if node.AccessKey == "" || node.SecretKey == "" {
			return fmt.Errorf("node %q: %w", node.Name, errNodeWithoutSecret)
		}

		if _, found := names[node.Name]; found {
			return fmt.Errorf("node %q: %w", node.Name, errNodesNotUnique)
		}
		names[node.Name] = struct{}{}

		if node.Primary {
			primaries++
		}
	}

	switch {
	case primaries == 0:
		return errNoPrimary
	case primaries > 1:
		return errDuplicatePrimary
	}

	return nil
}

func (c *Config) setDefaults() {
	if c.GracefulStopTimeout.Duration() == 0 {
		c.GracefulStopTimeout = Duration(time.Minute)
	}

	if c.MonitorInterval.Duration() == 0 {
		c.MonitorInterval = Duration(10 * time.Second)
	}

	if c.Replication.LeaseTimeout.Duration() == 0 {
		c.Replication.LeaseTimeout = Duration(time.Hour)
	}

	if c.Replication.RedownloadLeaseTimeout.Duration() == 0 {
		c.Replication.RedownloadLeaseTimeout = Duration(8 * time.Hour)
	}

	if c.Gaps.GracePeriod.Duration() == 0 {
		c.Gaps.GracePeriod = Duration(10 * time.Minute)
	}

	if c.Gaps.OutdatedPeriod.Duration() == 0 {
		c.Gaps.OutdatedPeriod = Duration(time.Hour)
	}
}

// ConfigureLogger applies the logging configuration to the process logger.
func (c *Config) ConfigureLogger() {
	log.Configure(c.Logging.Format, c.Logging.Level)
}

// Primary returns the configured primary node.
func (c *Config) Primary() *Node {
	for _, node := range c.Nodes {
		if node.Primary {
			return node
		}
	}
	return nil
}

// Secondaries returns all configured secondary nodes.
func (c *Config) Secondaries() []*Node {
	var secondaries []*Node
	for _, node := range c.Nodes {
		if !node.Primary {
			secondaries = append(secondaries, node)
		}
	}
	return secondaries
}

// LocalNode returns the node entry this process runs as, or nil when the
// configured name matches no node.
func (c *Config) LocalNode() *Node {
	for _, node := range c.Nodes {
		if node.Name == c.Name {
			return node
		}
	}
	return nil
}

// NodeByAccessKey resolves the node that signs requests with the given
// access key.
func (c *Config) NodeByAccessKey(accessKey string) *Node {
	for _, node := range c.Nodes {
		if node.AccessKey == accessKey {
			return node
		}
	}
	return nil
}

// DB holds Postgres client configuration data.
type DB struct {
	Host        string `toml:"host,omitempty" envconfig:"pghost"`
	Port        int    `toml:"port,omitempty" envconfig:"pgport"`
	User        string `toml:"user,omitempty" envconfig:"pguser"`
	Password    string `toml:"password,omitempty" envconfig:"pgpassword"`
	DBName      string `toml:"dbname,omitempty" envconfig:"pgdatabase"`
	SSLMode     string `toml:"sslmode,omitempty" envconfig:"pgsslmode"`
	SSLCert     string `toml:"sslcert,omitempty" envconfig:"pgsslcert"`
	SSLKey      string `toml:"sslkey,omitempty" envconfig:"pgsslkey"`
	SSLRootCert string `toml:"sslrootcert,omitempty" envconfig:"pgsslrootcert"`
}
