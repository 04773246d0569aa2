package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// LogTimestampFormat defines the timestamp format in log files
const LogTimestampFormat = "2006-01-02T15:04:05.000Z"

var defaultLogger = logrus.StandardLogger()

func init() {
	// This ensures that any log statements that occur before
	// the configuration has been loaded will be written to
	// stdout instead of stderr
	defaultLogger.Out = os.Stdout
}

// Configure sets the format and level on the default logger.
func Configure(format string, level string) {
	switch format {
	case "json":
		defaultLogger.Formatter = &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat}
	case "text":
		defaultLogger.Formatter = &logrus.TextFormatter{TimestampFormat: LogTimestampFormat}
	case "":
		// Just stick with the default
	default:
		logrus.WithField("format", format).Fatal("invalid logger format")
	}

	logrusLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logrusLevel = logrus.InfoLevel
	}

	defaultLogger.SetLevel(logrusLevel)
}

// Default is the default logrus logger
func Default() *logrus.Entry { return defaultLogger.WithField("pid", os.Getpid()) }
