package storage

import (
	"errors"
	"fmt"
	"io/fs"

	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidPath is returned for identifiers that cannot be decoded or
	// for non-absolute paths handed to Walk.
	ErrInvalidPath = errors.New("invalid path")

	// ErrSandboxViolation is returned when a path resolves outside the
	// storage root.
	ErrSandboxViolation = errors.New("path escapes storage root")

	// ErrAlreadyExists is returned when the target already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotADirectory is returned when a path component is a regular file.
	ErrNotADirectory = errors.New("not a directory")

	// ErrNotFound is returned when the target does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPermission is returned unchanged from the filesystem.
	ErrPermission = fs.ErrPermission

	// ErrUploadClosed is returned for upload calls after commit or discard.
	ErrUploadClosed = errors.New("upload already closed")

	// ErrChunkTooLarge is returned for a chunk above the configured size.
	ErrChunkTooLarge = errors.New("chunk too large")

	// ErrUploadTooLarge is returned when an upload exceeds the size limit.
	ErrUploadTooLarge = errors.New("upload too large")
)

// translate maps filesystem errors onto the package sentinels, keeping the
// original error in the chain.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, unix.ENOTDIR):
		return fmt.Errorf("%w: %w", ErrNotADirectory, err)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	}
	return err
}
