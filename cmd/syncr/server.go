package main

import (
	"github.com/spf13/cobra"

	"github.com/GustavoWidman/syncr/internal/config"
	"github.com/GustavoWidman/syncr/internal/syncer"
)

var serverConfiguration struct {
	configPath string
	root       string
}

var serverCommand = &cobra.Command{
	Use:   "server",
	Short: "Run in server mode, answering sync requests for a directory",
	RunE:  serverMain,
}

func init() {
	flags := serverCommand.Flags()
	flags.StringVar(&serverConfiguration.configPath, "config", "", "Path to the primary config file (default ~/.syncr/config.toml)")
	flags.StringVar(&serverConfiguration.root, "root", "", "Directory to serve (required)")
	serverCommand.MarkFlagRequired("root")
}

func serverMain(*cobra.Command, []string) error {
	rt, err := setupRuntime(serverConfiguration.configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	secret, err := rt.primary.SecretKey()
	if err != nil {
		return err
	}

	syncCfg, err := config.LoadSyncConfig(serverConfiguration.root)
	if err != nil {
		return err
	}
	id, err := syncer.ParseSyncrID(syncCfg.Body().SyncrID)
	if err != nil {
		return err
	}

	server := &syncer.Server{
		Root:    serverConfiguration.root,
		Secret:  secret,
		SyncrID: id,
		Shared:  rt.shared,
	}

	return server.ListenAndServe(cliContext(), rt.primary.ServerAddress())
}
