// Command syncr is the single entry point selecting between syncr's
// operating modes: server, client, watch, sync, doctor, and a stubbed
// tray mode.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func rootMain(command *cobra.Command, _ []string) error {
	return command.Help()
}

var rootCommand = &cobra.Command{
	Use:   "syncr",
	Short: "syncr mirrors a directory tree between two hosts over an encrypted connection.",
	RunE:  rootMain,
}

func init() {
	cobra.EnableCommandSorting = false
	cobra.MousetrapHelpText = ""

	rootCommand.AddCommand(
		serverCommand,
		clientCommand,
		watchCommand,
		syncCommand,
		doctorCommand,
		trayCommand,
		versionCommand,
	)
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
