//go:build unix

package main

import (
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/postalsys/tunnel-broker/internal/logging"
)

// raiseFileLimit lifts the soft open-file limit to the hard limit.
func raiseFileLimit(logger *slog.Logger) {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		logger.Warn("failed to read open file limit", logging.KeyError, err)
		return
	}
	if limit.Cur >= limit.Max {
		return
	}
	prev := limit.Cur
	limit.Cur = limit.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		logger.Warn("failed to raise open file limit", logging.KeyError, err)
		return
	}
	// nolint:unconvert // Rlimit fields are not uint64 on every platform
	logger.Debug("raised open file limit", "from", uint64(prev), "to", uint64(limit.Cur))
}
