package config

import (
	"os"
	"path/filepath"
	"reflect"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/GustavoWidman/syncr/internal/encoding"
	"github.com/GustavoWidman/syncr/internal/syncerr"
)

// DefaultSyncConfigName is the default per-directory config filename.
const DefaultSyncConfigName = ".syncr"

// defaultDebounceMillis and defaultMaxDepth are the values a freshly
// generated .syncr starts with; a max_depth of -1 means unlimited.
const (
	defaultDebounceMillis = uint64(60000)
	defaultMaxDepth       = int32(-1)
)

// Pattern is a single glob-set entry in a sync config's pattern list.
type Pattern struct {
	Pattern string `toml:"pattern"`
}

// SyncBody is the `[config]` table of a .syncr file.
type SyncBody struct {
	DebounceMillis uint64    `toml:"debounce"`
	IgnoreSymlinks bool      `toml:"ignore_symlinks"`
	IgnoreHidden   bool      `toml:"ignore_hidden"`
	MaxDepth       int32     `toml:"max_depth"`
	SyncrID        string    `toml:"syncr_id"`
	Patterns       []Pattern `toml:"patterns"`
}

// SyncDocument is the top-level .syncr TOML document.
type SyncDocument struct {
	Config SyncBody `toml:"config"`
}

// SyncConfig is a loaded, path-tracking .syncr configuration. Reload
// re-reads the file and reports whether its structural contents changed,
// which internal/watch uses to decide whether to rewatch with new
// patterns/depth.
type SyncConfig struct {
	// Path is the resolved location of the .syncr file itself (never a
	// directory; LoadSyncConfig resolves a directory argument to
	// dir/.syncr before this point).
	Path string
	body SyncBody
}

// defaultSyncBody constructs the default per-directory configuration,
// generating a fresh syncr_id: this is the one value that cannot be a
// constant, since it must be stable per-directory but unique across
// directories.
func defaultSyncBody() SyncBody {
	return SyncBody{
		DebounceMillis: defaultDebounceMillis,
		IgnoreSymlinks: true,
		IgnoreHidden:   false,
		MaxDepth:       defaultMaxDepth,
		SyncrID:        uuid.NewString(),
		Patterns:       []Pattern{{Pattern: "**/*"}},
	}
}

// LoadSyncConfig reads the .syncr configuration for target, which may be
// either the directory being synced (in which case dir/.syncr is read) or
// an explicit path to a .syncr file. A missing file is created with
// defaults rather than reported as an error.
func LoadSyncConfig(target string) (*SyncConfig, error) {
	path, err := resolveSyncConfigPath(target)
	if err != nil {
		return nil, err
	}

	document := &SyncDocument{}
	if err := encoding.LoadAndUnmarshalTOML(path, document); err != nil {
		if !os.IsNotExist(err) {
			return nil, &syncerr.ConfigError{Path: path, Err: err}
		}
		document.Config = defaultSyncBody()
		if err := encoding.MarshalAndSaveTOML(path, document); err != nil {
			return nil, &syncerr.ConfigError{Path: path, Err: errors.Wrap(err, "unable to write default sync configuration")}
		}
	}

	return &SyncConfig{Path: path, body: document.Config}, nil
}

// Body returns the loaded configuration body.
func (c *SyncConfig) Body() SyncBody {
	return c.body
}

// Reload re-reads Path and reports whether the structural contents
// changed relative to the cached body. It does not mutate the receiver on
// a read error; callers should treat a returned error as fatal to the
// reload attempt, not to the cached configuration.
func (c *SyncConfig) Reload() (changed bool, err error) {
	fresh, err := LoadSyncConfig(c.Path)
	if err != nil {
		return false, err
	}
	if reflect.DeepEqual(fresh.body, c.body) {
		return false, nil
	}
	c.body = fresh.body
	return true, nil
}

// Save writes the current body back to Path.
func (c *SyncConfig) Save() error {
	document := &SyncDocument{Config: c.body}
	if err := encoding.MarshalAndSaveTOML(c.Path, document); err != nil {
		return &syncerr.ConfigError{Path: c.Path, Err: err}
	}
	return nil
}

func resolveSyncConfigPath(target string) (string, error) {
	info, err := os.Stat(target)
	if err == nil && info.IsDir() {
		return filepath.Join(target, DefaultSyncConfigName), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", &syncerr.ConfigError{Path: target, Err: errors.Wrap(err, "unable to stat sync config target")}
	}
	// target does not exist yet, or is already a file path: if it looks
	// like a bare directory path (no .syncr suffix), treat it as the
	// directory-to-be and append the default filename.
	if filepath.Base(target) != DefaultSyncConfigName {
		return filepath.Join(target, DefaultSyncConfigName), nil
	}
	return target, nil
}
