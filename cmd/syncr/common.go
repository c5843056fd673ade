package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/pkg/errors"

	"github.com/GustavoWidman/syncr/internal/config"
	"github.com/GustavoWidman/syncr/internal/filesystem"
	"github.com/GustavoWidman/syncr/internal/logging"
	"github.com/GustavoWidman/syncr/internal/store"
	"github.com/GustavoWidman/syncr/internal/syncer"
)

// warning and fatal are small, direct stderr printers for startup
// diagnostics, which can occur before the structured logger is
// configured.
func warning(message string) {
	fmt.Fprintln(color.Error, color.YellowString("Warning:"), message)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}

// runtime bundles the process-wide state every long-running mode needs:
// the loaded primary configuration, an opened predictor store, the
// configured logger, and the shared predictor/workpool state. close
// releases the store and log file; callers should defer it.
type runtime struct {
	primary *config.Primary
	shared  *syncer.Shared
	close   func()
}

// setupRuntime loads the primary configuration (from configPath, or the
// default ~/.syncr/config.toml if empty), opens the predictor store and
// log file under ~/.syncr, and constructs the shared runtime state.
func setupRuntime(configPath string) (*runtime, error) {
	primary, err := config.LoadPrimary(configPath)
	if err != nil {
		return nil, err
	}

	logDir, err := filesystem.Syncr("logs")
	if err != nil {
		return nil, errors.Wrap(err, "unable to resolve log directory")
	}
	closeLog, err := logging.Configure(logDir)
	if err != nil {
		return nil, errors.Wrap(err, "unable to configure logging")
	}

	dbDir, err := filesystem.Syncr("syncr.db")
	if err != nil {
		closeLog()
		return nil, errors.Wrap(err, "unable to resolve predictor store directory")
	}
	predictorStore, err := store.OpenBadgerStore(dbDir)
	if err != nil {
		closeLog()
		return nil, err
	}

	shared, err := syncer.NewShared(cliContext(), predictorStore, logging.RootLogger)
	if err != nil {
		predictorStore.Close()
		closeLog()
		return nil, err
	}

	return &runtime{
		primary: primary,
		shared:  shared,
		close: func() {
			if err := shared.Save(cliContext()); err != nil {
				warning(err.Error())
			}
			predictorStore.Close()
			closeLog()
		},
	}, nil
}
