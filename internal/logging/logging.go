// Package logging installs the process-wide zap logger.
package logging

import (
	"log"
	"strings"

	"go.uber.org/zap"
)

// Init builds a production logger (or a development one when dev is set),
// installs it as zap.L() and returns a cleanup that flushes it.
func Init(service string, dev bool) (*zap.Logger, func()) {
	build := zap.NewProduction
	if dev {
		build = zap.NewDevelopment
	}
	logger, err := build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger = logger.With(zap.String("service", service))
	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil && !isIgnorableSyncError(err) {
			log.Printf("Failed to sync logger: %v\n", err)
		}
	}
	return logger, cleanup
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
