// Package filestore holds uploaded files in a flat namespace keyed by name.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrNotFound indicates no file is stored under the requested name.
	ErrNotFound = errors.New("file not found")
	// ErrInvalidName indicates a name that cannot be stored or sent on the wire.
	ErrInvalidName = errors.New("invalid file name")
	// ErrSizeMismatch indicates the source yielded a different byte count than declared.
	ErrSizeMismatch = errors.New("file size does not match declared length")
)

// MaxNameLength is the longest file name accepted, in bytes
const MaxNameLength = 255

// Store is named-blob storage.
//
// Implementations must make Write atomic per name: a concurrent Open sees
// either the previous content or the new content in full, never a partial
// write. Writing an existing name replaces it.
type Store interface {
	// List returns all stored names in lexical order
	List(ctx context.Context) ([]string, error)
	// Open returns the content of name and its length, or ErrNotFound
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
	// Write stores exactly size bytes read from r under name
	Write(ctx context.Context, name string, r io.Reader, size int64) error
}

// ValidateName rejects names that would escape the flat namespace or break
// the comma-joined file list on the wire.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLength)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: hidden names are reserved", ErrInvalidName)
	case strings.ContainsAny(name, "/\\,\x00\n\r"):
		return fmt.Errorf("%w: contains a reserved character", ErrInvalidName)
	}
	return nil
}

// ReadAll returns the whole content of name
func ReadAll(ctx context.Context, s Store, name string) ([]byte, error) {
	rc, size, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data := make([]byte, size)
	if _, err := io.ReadFull(rc, data); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}
