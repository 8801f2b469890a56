// README: Application logger built on logrus.
package infra

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"courierdispatch/internal/config"
)

// NewLogger returns a logrus logger honouring the configured level and format.
// Unknown levels fall back to info.
func NewLogger(cfg config.LogConfig) *logrus.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.LogConfig, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}
	return log
}
