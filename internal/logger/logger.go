// Package logger builds the process-wide zap logger.
package logger

import (
	"errors"
	"log"
	"os"
	"syscall"

	"go.uber.org/zap"
)

// InitializeLogger installs a zap logger as the global logger and returns
// it with a flush function for deferred use.  env "dev" selects the
// human-readable development encoder; anything else logs JSON.
func InitializeLogger(env string) (*zap.Logger, func()) {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "dev" || env == "test" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil && !isIgnorableSyncError(err) {
			log.Printf("failed to sync logger: %v", err)
		}
	}
	return logger, cleanup
}

// Syncing stdout/stderr fails on terminals and pipes; that is harmless.
func isIgnorableSyncError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr.Err, syscall.EINVAL) || errors.Is(pathErr.Err, syscall.ENOTTY)
	}
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
