package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GustavoWidman/syncr/internal/config"
	"github.com/GustavoWidman/syncr/internal/watch"
)

var watchConfiguration struct {
	root string
}

var watchCommand = &cobra.Command{
	Use:   "watch",
	Short: "Watch a directory and print change events without syncing (diagnostic mode)",
	RunE:  watchMain,
}

func init() {
	flags := watchCommand.Flags()
	flags.StringVar(&watchConfiguration.root, "root", "", "Directory to watch (required)")
	watchCommand.MarkFlagRequired("root")
}

func watchMain(*cobra.Command, []string) error {
	syncCfg, err := config.LoadSyncConfig(watchConfiguration.root)
	if err != nil {
		return err
	}

	watcher, err := watch.New(syncCfg.Path, syncCfg, func(event watch.ChangeEvent) {
		fmt.Printf("%s %s\n", event.Kind, event.Path)
	})
	if err != nil {
		return err
	}

	return watcher.Run(cliContext())
}
