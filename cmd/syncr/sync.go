package main

import (
	"io/fs"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/GustavoWidman/syncr/internal/config"
	"github.com/GustavoWidman/syncr/internal/syncer"
	"github.com/GustavoWidman/syncr/internal/watch"
)

var syncConfiguration struct {
	configPath string
	root       string
}

var syncCommand = &cobra.Command{
	Use:   "sync",
	Short: "Perform a single one-shot sync of a directory against the configured server, then exit",
	RunE:  syncMain,
}

func init() {
	flags := syncCommand.Flags()
	flags.StringVar(&syncConfiguration.configPath, "config", "", "Path to the primary config file (default ~/.syncr/config.toml)")
	flags.StringVar(&syncConfiguration.root, "root", "", "Directory to sync (required)")
	syncCommand.MarkFlagRequired("root")
}

func syncMain(*cobra.Command, []string) error {
	rt, err := setupRuntime(syncConfiguration.configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	secret, err := rt.primary.SecretKey()
	if err != nil {
		return err
	}

	syncCfg, err := config.LoadSyncConfig(syncConfiguration.root)
	if err != nil {
		return err
	}
	id, err := syncer.ParseSyncrID(syncCfg.Body().SyncrID)
	if err != nil {
		return err
	}

	client := &syncer.Client{
		Root:       syncConfiguration.root,
		ServerAddr: rt.primary.ClientDialAddress(),
		Secret:     secret,
		SyncCfg:    syncCfg,
		Shared:     rt.shared,
	}

	body := syncCfg.Body()
	return filepath.WalkDir(syncConfiguration.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if body.IgnoreHidden && path != syncConfiguration.root && watch.IsHidden(syncConfiguration.root, path) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || path == syncCfg.Path {
			return nil
		}
		if !watch.MatchesPatterns(syncConfiguration.root, path, body.Patterns) {
			return nil
		}
		return client.PushPath(cliContext(), id, path)
	})
}
