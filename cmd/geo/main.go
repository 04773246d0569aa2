// Command geo runs the replication service of one Geo node. On the primary
// it fans queued update notifications out to the secondaries and aggregates
// their status; on a secondary it tails the primary's event log and keeps
// the local repositories in sync.
//
// Additionally, geo has subcommands for common tasks:
//
// SQL Ping
//
// The subcommand "sql-ping" checks if the database configured in the config
// file is reachable:
//
//     geo -config PATH_TO_CONFIG sql-ping
//
// SQL Migrate
//
// The subcommand "sql-migrate" will apply any outstanding SQL migrations.
//
//     geo -config PATH_TO_CONFIG sql-migrate [-ignore-unknown=true|false]
//
// By default, the migration will ignore any unknown migrations that are
// not known by the geo binary.
//
// Status
//
// The subcommand "status" prints the last recorded health of every node:
//
//     geo -config PATH_TO_CONFIG status
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/gitlab-org/geo/internal/geo/config"
	"gitlab.com/gitlab-org/geo/internal/geo/config/sentry"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
	"gitlab.com/gitlab-org/geo/internal/geo/eventlog"
	"gitlab.com/gitlab-org/geo/internal/geo/health"
	"gitlab.com/gitlab-org/geo/internal/geo/lease"
	"gitlab.com/gitlab-org/geo/internal/geo/notify"
	"gitlab.com/gitlab-org/geo/internal/geo/server"
	"gitlab.com/gitlab-org/geo/internal/geo/signing"
	geosync "gitlab.com/gitlab-org/geo/internal/geo/sync"
	"gitlab.com/gitlab-org/geo/internal/geo/transfer"
	"gitlab.com/gitlab-org/geo/internal/helper"
	"gitlab.com/gitlab-org/geo/internal/log"
	"gitlab.com/gitlab-org/geo/internal/version"
	"gitlab.com/gitlab-org/labkit/monitoring"
	"gitlab.com/gitlab-org/labkit/tracing"
)

var (
	flagConfig  = flag.String("config", "", "Location for the config.toml")
	flagVersion = flag.Bool("version", false, "Print version and exit")
	logger      = log.Default()

	errNoConfigFile = errors.New("the config flag must be passed")
)

const progname = "geo"

const transferTokenExpiry = 10 * time.Minute

func main() {
	flag.Usage = func() {
		cmds := []string{}
		for k := range subcommands {
			cmds = append(cmds, k)
		}

		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
		printfErr("  subcommand (optional)\n")
		printfErr("\tOne of %s\n", strings.Join(cmds, ", "))
	}
	flag.Parse()

	// If invoked with -version
	if *flagVersion {
		fmt.Println(version.GetVersionString())
		os.Exit(0)
	}

	conf, err := initConfig()
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	conf.ConfigureLogger()

	if args := flag.Args(); len(args) > 0 {
		os.Exit(subCommand(conf, args[0], args[1:]))
	}

	configure(conf)

	logger.WithField("version", version.GetVersionString()).Info("Starting " + progname)

	if err := run(conf, prometheus.DefaultRegisterer); err != nil {
		logger.Fatalf("%v", err)
	}
}

func initConfig() (config.Config, error) {
	var conf config.Config

	if *flagConfig == "" {
		return conf, errNoConfigFile
	}

	conf, err := config.FromFile(*flagConfig)
	if err != nil {
		return conf, fmt.Errorf("error reading config file: %v", err)
	}

	if err := conf.Validate(); err != nil {
		return config.Config{}, err
	}

	if conf.LocalNode() == nil {
		return config.Config{}, fmt.Errorf("node name %q matches no configured node", conf.Name)
	}

	return conf, nil
}

func configure(conf config.Config) {
	tracing.Initialize(tracing.WithServiceName(progname))
	sentry.ConfigureSentry(version.GetVersion(), conf.Sentry)
}

func run(conf config.Config, promreg prometheus.Registerer) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var db *sql.DB
	if !conf.MemoryQueueEnabled {
		logger.Infof("establishing database connection to %s:%d ...", conf.DB.Host, conf.DB.Port)
		dbConn, err := glsql.OpenDB(ctx, conf.DB)
		if err != nil {
			return fmt.Errorf("sql open: %w", err)
		}
		defer dbConn.Close()
		db = dbConn
		logger.Info("database connection established")
	}

	localNode := conf.LocalNode()
	primary := conf.Primary()

	var (
		leases   lease.Manager
		registry datastore.RegistryStore
		queue    datastore.UpdateQueue
		events   eventlog.Log
		gaps     eventlog.GapTracker
	)
	if conf.MemoryQueueEnabled {
		leases = lease.NewMemoryManager()
		registry = datastore.NewMemoryRegistryStore()
		queue = datastore.NewMemoryUpdateQueue()
		memLog := eventlog.NewMemoryLog()
		events = memLog
		gaps = eventlog.NewMemoryGapTracker(memLog, conf.Gaps.GracePeriod.Duration(), conf.Gaps.OutdatedPeriod.Duration())
		logger.Info("using in-memory replication state, progress is lost on restart")
	} else {
		leases = lease.NewPostgresManager(db)
		registry = datastore.NewPostgresRegistryStore(db)
		queue = datastore.NewPostgresUpdateQueue(db)
		events = eventlog.NewPostgresLog(db)
		gaps = eventlog.NewPostgresGapTracker(logger, db, events, conf.Name,
			conf.Gaps.GracePeriod.Duration(), conf.Gaps.OutdatedPeriod.Duration())
	}

	signer := signing.NewSigner(localNode.AccessKey, localNode.SecretKey, transferTokenExpiry)
	decoder := signing.NewDecoder(signing.NewCachedResolver(func(accessKey string) (string, bool) {
		node := conf.NodeByAccessKey(accessKey)
		if node == nil {
			return "", false
		}
		return node.SecretKey, true
	}))

	var checker *health.Checker
	if conf.Role == config.RoleSecondary && db != nil {
		checker = health.NewChecker(db)
	}

	var reporterQueue datastore.UpdateQueue
	if conf.Role == config.RolePrimary {
		reporterQueue = queue
	}
	reporter := health.NewReporter(logger, conf.Name, db, reporterQueue, checker)

	httpClient := &http.Client{Timeout: 30 * time.Second}

	driver := geosync.NewDriver(logger, leases, registry,
		conf.Replication.RetriesBeforeRedownload, conf.Replication.RetryLimit,
		conf.Replication.LeaseTimeout.Duration(), conf.Replication.RedownloadLeaseTimeout.Duration())

	var resolver geosync.ProjectResolver
	if db != nil {
		resolver = geosync.NewFDWProjectResolver(db)
	} else {
		resolver = &geosync.MemoryProjectResolver{}
	}

	scheduler := geosync.NewScheduler(logger, driver, registry, resolver,
		conf.RepositoriesRoot, conf.Name, localNode.Namespaces, primary, geosync.NewExecGit(logger), signer, nil)

	var receive server.UpdateReceiver
	if conf.Role == config.RoleSecondary {
		receive = scheduler.HandleRefresh
	}

	var (
		eventStore *eventlog.Store
		ingestion  datastore.UpdateQueue
	)
	if conf.Role == config.RolePrimary {
		eventStore = eventlog.NewStore(logger, events, true)
		ingestion = queue
	}

	apiServer := server.New(logger, server.NewAuth(logger, decoder),
		transfer.NewServer(logger, transfer.NewDiskIndex(conf.UploadsRoot)), reporter, receive, eventStore, ingestion)

	collectors := []prometheus.Collector{driver}
	if eventStore != nil {
		collectors = append(collectors, eventStore)
	}
	if db != nil {
		collectors = append(collectors,
			datastore.NewReplicationStateCollector(logger, queue, datastore.FailedRegistryCounts(db)))
	}

	errQ := make(chan error, 1)

	switch conf.Role {
	case config.RolePrimary:
		notifier := notify.NewNotifier(logger, queue, conf.Secondaries(), signer, httpClient, int(conf.Replication.BatchSize))
		collectors = append(collectors, notifier)
		go func() { errQ <- notifier.Run(ctx, helper.NewTimerTicker(conf.MonitorInterval.Duration())) }()

		metrics := health.NewMetrics(logger, conf.Secondaries(),
			health.HTTPStatusFetcher(httpClient, signer), statusStore(db))
		collectors = append(collectors, metrics)
		go func() { errQ <- metrics.Run(ctx, helper.NewTimerTicker(conf.MonitorInterval.Duration())) }()
	case config.RoleSecondary:
		consumer := eventlog.NewConsumer(logger, events, gaps, scheduler.HandleEvent, int(conf.Replication.BatchSize))
		collectors = append(collectors, consumer)
		go func() { errQ <- consumer.Run(ctx, helper.NewTimerTicker(conf.MonitorInterval.Duration())) }()

		downloader := transfer.NewDownloader(logger, httpClient, primary.URL, signer, conf.UploadsRoot)
		var fileLister geosync.FileLister
		if db != nil {
			fileLister = geosync.NewFDWFileLister(db)
		} else {
			fileLister = &geosync.MemoryFileLister{}
		}
		sweeper := geosync.NewFileSweeper(logger, driver, downloader, fileLister, int(conf.Replication.BatchSize))
		go func() { errQ <- sweeper.Run(ctx, helper.NewTimerTicker(conf.MonitorInterval.Duration())) }()

		metrics := health.NewMetrics(logger, []*config.Node{localNode},
			func(ctx context.Context, _ *config.Node) (health.Status, error) {
				return reporter.Status(ctx), nil
			}, statusStore(db))
		collectors = append(collectors, metrics)
		go func() { errQ <- metrics.Run(ctx, helper.NewTimerTicker(conf.MonitorInterval.Duration())) }()
	}

	for _, collector := range collectors {
		if err := promreg.Register(collector); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	if conf.PrometheusListenAddr != "" {
		logger.WithField("address", conf.PrometheusListenAddr).Info("Starting prometheus listener")
		go func() {
			if err := monitoring.Start(
				monitoring.WithListenerAddress(conf.PrometheusListenAddr),
				monitoring.WithBuildInformation(version.GetVersion(), version.GetBuildTime()),
			); err != nil {
				logger.WithError(err).Error("monitoring listener failed")
			}
		}()
	}

	listener, err := net.Listen("tcp", conf.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", conf.ListenAddr, err)
	}

	httpSrv := &http.Server{Handler: apiServer.Handler()}
	go func() {
		logger.WithField("address", conf.ListenAddr).Info("API listener started")
		if err := httpSrv.Serve(listener); err != http.ErrServerClosed {
			errQ <- err
		}
	}()

	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case signalValue := <-termCh:
		logger.WithField("signal", signalValue).Info("shutting down")
	case err := <-errQ:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), conf.GracefulStopTimeout.Duration())
	defer shutdownCancel()

	return httpSrv.Shutdown(shutdownCtx)
}

func statusStore(db *sql.DB) health.StatusStore {
	if db == nil {
		return health.NewMemoryStatusStore()
	}
	return health.NewPostgresStatusStore(db)
}
