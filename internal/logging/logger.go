package logging

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Setup configures the process-wide logrus logger from the environment.
// LOG_LEVEL accepts the usual logrus names; LOG_FORMAT=json switches to
// JSON output for log shippers.
func Setup() {
	level, err := log.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
	}
	log.SetOutput(os.Stdout)
}
