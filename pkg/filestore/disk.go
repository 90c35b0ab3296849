package filestore

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// compressedSuffix marks lz4 files on disk. ',' can never appear in a valid
// name, so a compressed file never collides with an uncompressed one.
const compressedSuffix = ",lz4"

// DiskStore keeps one file per name in a single directory.
//
// Writes go to a hidden temp file that is renamed into place, which gives
// readers the old-or-new guarantee. With compression enabled new files are
// stored as an 8-byte big-endian length header followed by an lz4 stream;
// both layouts are readable regardless of the setting.
type DiskStore struct {
	root     string
	compress bool
}

// NewDiskStore opens (and creates if needed) a store rooted at dir
func NewDiskStore(dir string, compress bool) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create files directory: %w", err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve files directory: %w", err)
	}

	return &DiskStore{root: abs, compress: compress}, nil
}

// Root returns the directory backing the store
func (d *DiskStore) Root() string {
	return d.root
}

func (d *DiskStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	seen := make(map[string]bool, len(entries))
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), compressedSuffix)
		if ValidateName(name) != nil || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}

	sort.Strings(names)
	return names, nil
}

func (d *DiskStore) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	if err := ValidateName(name); err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if rc, size, err := d.openCompressed(name); !errors.Is(err, fs.ErrNotExist) {
		return rc, size, err
	}

	f, err := os.Open(d.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s: %w", name, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat %s: %w", name, err)
	}

	return f, info.Size(), nil
}

func (d *DiskStore) openCompressed(name string) (io.ReadCloser, int64, error) {
	f, err := os.Open(d.path(name) + compressedSuffix)
	if err != nil {
		return nil, 0, err
	}

	var size uint64
	if err := binary.Read(f, binary.BigEndian, &size); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("corrupt compressed file %s: %w", name, err)
	}

	return &compressedReader{Reader: lz4.NewReader(bufio.NewReader(f)), f: f}, int64(size), nil
}

type compressedReader struct {
	io.Reader
	f *os.File
}

func (c *compressedReader) Close() error {
	return c.f.Close()
}

func (d *DiskStore) Write(ctx context.Context, name string, r io.Reader, size int64) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(d.root, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if d.compress {
		err = writeCompressed(tmp, r, size)
	} else {
		err = writeRaw(tmp, r, size)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}

	final, stale := d.path(name), d.path(name)+compressedSuffix
	if d.compress {
		final, stale = stale, final
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return fmt.Errorf("failed to store %s: %w", name, err)
	}
	committed = true

	// Drop the other layout so Open never serves old content
	if err := os.Remove(stale); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("filestore: failed to remove stale copy of %s: %v", name, err)
	}

	return nil
}

func writeRaw(w io.Writer, r io.Reader, size int64) error {
	n, err := io.CopyN(w, r, size)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: got %d of %d bytes", ErrSizeMismatch, n, size)
		}
		return err
	}
	return nil
}

func writeCompressed(w io.Writer, r io.Reader, size int64) error {
	if err := binary.Write(w, binary.BigEndian, uint64(size)); err != nil {
		return err
	}

	zw := lz4.NewWriter(w)
	if err := writeRaw(zw, r, size); err != nil {
		return err
	}
	return zw.Close()
}

func (d *DiskStore) path(name string) string {
	return filepath.Join(d.root, name)
}
