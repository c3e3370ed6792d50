// Package main provides the entry point for the handoff sign-in tool.
// It hands an OAuth sign-in off to the system browser, receives the result
// through the loopback callback server or an operating-system deep link, and
// stores the resulting backend session.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/router-for-me/signin-handoff/internal/buildinfo"
	"github.com/router-for-me/signin-handoff/internal/logging"
	log "github.com/sirupsen/logrus"
)

// DefaultConfigPath is the config file used when --config is not given.
const DefaultConfigPath = "config.yaml"

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if wd, err := os.Getwd(); err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	logging.CloseLogOutputs()

	if err == nil {
		return
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
