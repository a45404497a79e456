package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/busybox42/capstone/pkg/types"
)

var (
	errLumpMissing  = errors.New("store: lump not found")
	errLumpMismatch = errors.New("store: lump digest mismatch")
)

// dirCAS keeps one read-only file per lump, sharded by the last two
// characters of the lump CID (the leading ones are the multibase prefix).
type dirCAS struct {
	root string
}

func newDirCAS(root string) (*dirCAS, error) {
	if root == "" {
		return nil, errors.New("store: lump directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: create lump directory: %w", err)
	}
	return &dirCAS{root: root}, nil
}

func (d *dirCAS) put(id types.LumpID, data []byte) error {
	path := d.pathFor(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".lump-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o444); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (d *dirCAS) get(id types.LumpID) ([]byte, error) {
	data, err := os.ReadFile(d.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errLumpMissing
		}
		return nil, err
	}
	if types.SumLump(data) != id {
		return nil, errLumpMismatch
	}
	return data, nil
}

func (d *dirCAS) has(id types.LumpID) bool {
	_, err := os.Stat(d.pathFor(id))
	return err == nil
}

func (d *dirCAS) pathFor(id types.LumpID) string {
	s := id.String()
	return filepath.Join(d.root, s[len(s)-2:], s)
}
