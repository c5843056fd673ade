package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// trayCommand is deliberately unimplemented: this build has no GUI
// shell. The subcommand is still registered so `syncr tray` fails with a
// clear message rather than cobra's "unknown command".
var trayCommand = &cobra.Command{
	Use:   "tray",
	Short: "Run the tray/GUI shell (not implemented in this build)",
	RunE: func(*cobra.Command, []string) error {
		return errors.New("tray mode is not implemented; this build covers the delta-sync core only")
	},
}
