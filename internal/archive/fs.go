package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/celerix-dev/celerix-spc/pkg/schema"
)

// FS archives bundles as files under a root directory.
type FS struct {
	root string
}

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	if root == "" {
		return nil, errors.New("archive directory required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FS{root: root}, nil
}

func (f *FS) Driver() string { return "fs" }

func (f *FS) Put(_ context.Context, name string, data []byte) (string, error) {
	name, err := sanitizeName(name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(f.root, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}

func (f *FS) Get(_ context.Context, name string) ([]byte, error) {
	name, err := sanitizeName(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(f.root, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: archive %s", schema.ErrNotFound, name)
	}
	return data, err
}

// List sorts by name; bundle names embed a sortable UTC timestamp.
func (f *FS) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}
