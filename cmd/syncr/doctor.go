package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GustavoWidman/syncr/internal/config"
	"github.com/GustavoWidman/syncr/internal/syncer"
)

var doctorConfiguration struct {
	configPath string
}

// doctorCommand dials the configured server and round-trips a sanity/echo
// packet (SNTY) through the full handshake and AEAD framing without
// touching any synced file, so a misconfigured secret or unreachable
// server shows up as a single clear failure instead of as a confusing
// timeout deep in client mode.
var doctorCommand = &cobra.Command{
	Use:   "doctor",
	Short: "Check connectivity to the configured server without syncing anything",
	RunE:  doctorMain,
}

func init() {
	flags := doctorCommand.Flags()
	flags.StringVar(&doctorConfiguration.configPath, "config", "", "Path to the primary config file (default ~/.syncr/config.toml)")
}

func doctorMain(*cobra.Command, []string) error {
	primary, err := config.LoadPrimary(doctorConfiguration.configPath)
	if err != nil {
		return err
	}

	secret, err := primary.SecretKey()
	if err != nil {
		return err
	}

	address := primary.ClientDialAddress()
	if err := syncer.Doctor(address, secret); err != nil {
		return err
	}

	fmt.Printf("ok: %s echoed the sanity packet correctly\n", address)
	return nil
}
