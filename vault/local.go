package vault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local is a Vault rooted at a directory on the local filesystem.
type Local struct {
	base string
}

// NewLocal creates a Local vault rooted at base. The directory must exist.
func NewLocal(base string) (*Local, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve vault base: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat vault base: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault base %s is not a directory", abs)
	}
	return &Local{base: abs}, nil
}

// BasePath returns the absolute vault root.
func (v *Local) BasePath() string { return v.base }

// resolve maps a vault-relative path to an absolute path, rejecting escapes.
func (v *Local) resolve(path string) (string, error) {
	cleaned := filepath.Clean("/" + path)
	abs := filepath.Join(v.base, cleaned)
	rel, err := filepath.Rel(v.base, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the vault", path)
	}
	return abs, nil
}

// Exists reports whether the path exists within the vault.
func (v *Local) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	abs, err := v.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(abs)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Read returns the file content at path.
func (v *Local) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	abs, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// Write stores data at path, creating parent directories as needed.
func (v *Local) Write(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := v.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, data, 0o644)
}

// Remove deletes the file or empty directory at path.
func (v *Local) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := v.resolve(path)
	if err != nil {
		return err
	}
	return os.Remove(abs)
}

// Mkdir creates a directory (and parents) at path.
func (v *Local) Mkdir(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := v.resolve(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(abs, 0o755)
}

// List returns the entries of the directory at path.
func (v *Local) List(ctx context.Context, path string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	abs, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		e := Entry{Name: de.Name(), IsDir: de.IsDir()}
		if info, err := de.Info(); err == nil && !de.IsDir() {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	return entries, nil
}
