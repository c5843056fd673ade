package main

import (
	"github.com/spf13/cobra"

	"github.com/GustavoWidman/syncr/internal/config"
	"github.com/GustavoWidman/syncr/internal/syncer"
)

var clientConfiguration struct {
	configPath string
}

var clientCommand = &cobra.Command{
	Use:   "client",
	Short: "Run in client mode, watching and pushing every active configured directory",
	RunE:  clientMain,
}

func init() {
	flags := clientCommand.Flags()
	flags.StringVar(&clientConfiguration.configPath, "config", "", "Path to the primary config file (default ~/.syncr/config.toml)")
}

func clientMain(*cobra.Command, []string) error {
	rt, err := setupRuntime(clientConfiguration.configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	secret, err := rt.primary.SecretKey()
	if err != nil {
		return err
	}
	address := rt.primary.ClientDialAddress()

	// Inactive directories are loaded but not watched.
	clients := make([]*syncer.Client, 0, len(rt.primary.Client.Directories))
	for _, directory := range rt.primary.Client.Directories {
		if !directory.Active {
			continue
		}
		syncCfg, err := config.LoadSyncConfig(directory.Path)
		if err != nil {
			return err
		}
		clients = append(clients, &syncer.Client{
			Root:       directory.Path,
			ServerAddr: address,
			Secret:     secret,
			SyncCfg:    syncCfg,
			Shared:     rt.shared,
		})
	}

	if len(clients) == 0 {
		warning("no active directories configured; nothing to watch")
		return nil
	}

	errs := make(chan error, len(clients))
	for _, c := range clients {
		go func(c *syncer.Client) {
			errs <- c.Run(cliContext())
		}(c)
	}

	var firstErr error
	for range clients {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
