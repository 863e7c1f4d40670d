package logging

import (
	"strings"

	"github.com/ngoyal88/supplierlog/pkg/config"
	log "github.com/sirupsen/logrus"
)

// Setup applies the configured level and formatter to the standard logger.
// Unknown levels fall back to info.
func Setup(cfg config.LoggingConfig) {
	switch strings.ToLower(cfg.Level) {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	if cfg.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
