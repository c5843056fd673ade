package filesystem

import (
	"os"
	"os/user"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	SyncrDirectoryName = ".syncr"
)

// userHomeDirectory is the cached path to the current user's home directory.
var userHomeDirectory string

func init() {
	// Grab the current user's home directory. Check that it isn't empty,
	// because when compiling without cgo the $HOME environment variable is used
	// to compute the HomeDir field and we can't guarantee something isn't wonky
	// with the environment. We cache this because we don't expect it to change
	// and the underlying getuid system call is surprisingly expensive.
	if currentUser, err := user.Current(); err != nil {
		panic(errors.Wrap(err, "unable to lookup current user"))
	} else if currentUser.HomeDir == "" {
		panic(errors.New("unable to determine home directory"))
	} else {
		userHomeDirectory = currentUser.HomeDir
	}
}

// Syncr returns (creating if necessary) a path inside the user's ~/.syncr
// directory, joining subpath onto it.
func Syncr(subpath ...string) (string, error) {
	// Collect path components and compute the result.
	components := make([]string, 0, 2+len(subpath))
	components = append(components, userHomeDirectory, SyncrDirectoryName)
	root := filepath.Join(components...)
	components = append(components, subpath...)
	result := filepath.Join(components...)

	// Perform creation.
	if err := os.MkdirAll(result, 0700); err != nil {
		return "", errors.Wrap(err, "unable to create subpath")
	}

	// Mark the root directory as hidden (a no-op on POSIX, where the leading
	// dot already does this).
	if err := markHidden(root); err != nil {
		return "", errors.Wrap(err, "unable to hide syncr directory")
	}

	// Success.
	return result, nil
}
