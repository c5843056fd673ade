// Package config loads and saves syncr's two TOML configuration files: the
// primary configuration at ~/.syncr/config.toml (secret, mode, server/client
// settings) and the per-directory .syncr configuration it watches.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/GustavoWidman/syncr/internal/encoding"
	"github.com/GustavoWidman/syncr/internal/filesystem"
	"github.com/GustavoWidman/syncr/internal/syncerr"
)

// DefaultPrimaryConfigName is the default filename for the primary
// configuration, rooted at ~/.syncr.
const DefaultPrimaryConfigName = "config.toml"

// Mode selects which role the primary configuration describes.
type Mode string

const (
	ModeServer Mode = "server"
	ModeClient Mode = "client"
)

// Directory is one entry in a client's configured directory list. Inactive
// directories are loaded but not watched or synced.
type Directory struct {
	Path   string `toml:"path"`
	Active bool   `toml:"active"`
}

// ServerSettings holds the listen address for server mode.
type ServerSettings struct {
	IP   string `toml:"ip"`
	Port uint16 `toml:"port"`
}

// ClientSettings holds the dial address and watched directories for client
// mode.
type ClientSettings struct {
	ServerIP    string      `toml:"server_ip"`
	ServerPort  uint16      `toml:"server_port"`
	Directories []Directory `toml:"directories"`
}

// Primary is the root TOML document at ~/.syncr/config.toml.
type Primary struct {
	// Secret is the pre-shared key authenticating the transport handshake.
	// It is at most 32 bytes; shorter secrets are zero-padded by
	// SecretKey.
	Secret string         `toml:"secret"`
	Mode   Mode           `toml:"mode"`
	Client ClientSettings `toml:"client"`
	Server ServerSettings `toml:"server"`
}

// defaultPrimary is what a fresh install gets (a 127.0.0.1:7878 client
// dialing a 0.0.0.0:7878 server), rather than a zero-value, unusable
// configuration.
func defaultPrimary() *Primary {
	return &Primary{
		Secret: "",
		Mode:   ModeClient,
		Client: ClientSettings{
			ServerIP:   "127.0.0.1",
			ServerPort: 7878,
		},
		Server: ServerSettings{
			IP:   "0.0.0.0",
			Port: 7878,
		},
	}
}

// LoadPrimary reads the primary configuration from path, creating a
// default one in its place if it does not yet exist. An empty path
// resolves to ~/.syncr/config.toml.
func LoadPrimary(path string) (*Primary, error) {
	resolved, err := resolvePrimaryPath(path)
	if err != nil {
		return nil, err
	}

	primary := &Primary{}
	if err := encoding.LoadAndUnmarshalTOML(resolved, primary); err != nil {
		if !os.IsNotExist(err) {
			return nil, &syncerr.ConfigError{Path: resolved, Err: err}
		}
		primary = defaultPrimary()
		if err := encoding.MarshalAndSaveTOML(resolved, primary); err != nil {
			return nil, &syncerr.ConfigError{Path: resolved, Err: errors.Wrap(err, "unable to write default configuration")}
		}
	}
	return primary, nil
}

// Save writes primary back to path, creating parent directories as needed.
func (p *Primary) Save(path string) error {
	resolved, err := resolvePrimaryPath(path)
	if err != nil {
		return err
	}
	if err := encoding.MarshalAndSaveTOML(resolved, p); err != nil {
		return &syncerr.ConfigError{Path: resolved, Err: err}
	}
	return nil
}

// SecretKey returns Secret as a 32-byte key, zero-padding a shorter secret
// or rejecting one that's too long outright: the transport's PSK is always
// exactly 32 bytes.
func (p *Primary) SecretKey() ([32]byte, error) {
	var key [32]byte
	if len(p.Secret) > len(key) {
		return key, &syncerr.ConfigError{Path: "secret", Err: errors.New("secret exceeds 32 bytes")}
	}
	copy(key[:], p.Secret)
	return key, nil
}

// ServerAddress returns the server's listen address as host:port.
func (p *Primary) ServerAddress() string {
	return net.JoinHostPort(p.Server.IP, portString(p.Server.Port))
}

// ClientDialAddress returns the address a client should dial.
func (p *Primary) ClientDialAddress() string {
	return net.JoinHostPort(p.Client.ServerIP, portString(p.Client.ServerPort))
}

func portString(port uint16) string {
	return strconv.FormatUint(uint64(port), 10)
}

func resolvePrimaryPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	dir, err := filesystem.Syncr()
	if err != nil {
		return "", &syncerr.ConfigError{Path: path, Err: errors.Wrap(err, "unable to resolve ~/.syncr")}
	}
	return filepath.Join(dir, DefaultPrimaryConfigName), nil
}
