package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at release time; "dev" for local builds.
const version = "dev"

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(*cobra.Command, []string) {
		fmt.Println(version)
	},
}
