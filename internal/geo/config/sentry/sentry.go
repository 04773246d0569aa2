package sentry

import (
	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
)

// Config contains sentry configuration values
type Config struct {
	DSN         string `toml:"sentry_dsn,omitempty"`
	Environment string `toml:"sentry_environment,omitempty"`
}

// ConfigureSentry configures the sentry DSN
func ConfigureSentry(version string, sentryConf Config) {
	if sentryConf.DSN == "" {
		return
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         sentryConf.DSN,
		Environment: sentryConf.Environment,
		Release:     "v" + version,
	})
	if err != nil {
		log.Warnf("unable to initialize sentry client: %v", err)
		return
	}

	log.Debug("Using sentry logging")
}
