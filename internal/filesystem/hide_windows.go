package filesystem

import (
	"syscall"

	"github.com/pkg/errors"
)

// markHidden sets the Windows hidden file attribute on path.
func markHidden(path string) error {
	path16, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return errors.Wrap(err, "unable to convert path encoding")
	}

	attributes, err := syscall.GetFileAttributes(path16)
	if err != nil {
		return errors.Wrap(err, "unable to get file attributes")
	}

	attributes |= syscall.FILE_ATTRIBUTE_HIDDEN

	if err := syscall.SetFileAttributes(path16, attributes); err != nil {
		return errors.Wrap(err, "unable to set file attributes")
	}

	return nil
}
