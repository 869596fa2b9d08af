package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem means a state path is on a network mount, where
// SQLite locking and flock(2) are unreliable.
var ErrNetworkFilesystem = errors.New("state path is on a network filesystem")

var errStatfsUnsupported = errors.New("filesystem type detection unsupported on this platform")

// fsTypeFunc names the filesystem holding an existing path.
type fsTypeFunc func(path string) (string, error)

var remoteFilesystems = []string{"nfs", "cifs", "smbfs", "smb2", "afpfs", "webdav"}

// CheckLocalDisk fails when path, or the nearest existing parent of path,
// lives on a network filesystem. Platforms without detection pass.
func CheckLocalDisk(path string) error {
	return checkLocalDisk(path, filesystemType)
}

func checkLocalDisk(path string, fsType fsTypeFunc) error {
	if path == "" {
		return fmt.Errorf("state path is empty")
	}

	existing, err := existingAncestor(path)
	if err != nil {
		return err
	}

	name, err := fsType(existing)
	switch {
	case errors.Is(err, errStatfsUnsupported):
		return nil
	case err != nil:
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}

	name = strings.ToLower(strings.TrimSpace(name))
	for _, remote := range remoteFilesystems {
		if name == remote {
			return fmt.Errorf("%w: %q is on %s; point state.path at local disk", ErrNetworkFilesystem, path, name)
		}
	}
	return nil
}

// existingAncestor walks up from path to the first component that exists,
// so a database that has not been created yet is checked where it will live.
func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", p, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing ancestor for %q", path)
		}
		p = parent
	}
}
