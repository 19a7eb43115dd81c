// Package util holds small cross-component helpers
package util

import (
	"os"
	"os/signal"
	"syscall"
)

// FileExists checks if a file exists and can be accessed
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}

	return err == nil && !info.IsDir()
}

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return err
	}

	return nil
}

// SetupCloseHandler creates a channel that receives an interrupt signal
// from the OS, for graceful shutdown
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// NormalizeScalar clamps a scalar into the [0.0, 1.0] range
func NormalizeScalar(v float32) float32 {
	if v < 0.0 {
		return 0.0
	}
	if v > 1.0 {
		return 1.0
	}

	return v
}
