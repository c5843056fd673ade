// +build !windows

package filesystem

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// markHidden verifies that path is already hidden by POSIX convention (a
// dot-prefixed base name); there is no separate hidden attribute to set.
func markHidden(path string) error {
	if strings.IndexRune(filepath.Base(path), '.') != 0 {
		return errors.New("only dot-prefixed files are hidden on POSIX")
	}
	return nil
}
