package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWriteFile replaces the file at path with data in a single rename.
// The bytes land in a temp file in the target directory first and are synced
// before the rename, so readers either see the old content or the complete
// new content, never a torn write.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", dir, err)
	}

	tmp, err := stageTemp(dir, data, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// stageTemp writes data to a synced temp file in dir and returns its path.
// The temp file is removed on any failure.
func stageTemp(dir string, data []byte, perm os.FileMode) (string, error) {
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("stage temp file: %w", err)
	}
	name := f.Name()

	werr := func() error {
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("write temp file: %w", err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync temp file: %w", err)
		}
		return nil
	}()
	if cerr := f.Close(); werr == nil && cerr != nil {
		werr = fmt.Errorf("close temp file: %w", cerr)
	}
	if werr == nil {
		if err := os.Chmod(name, perm); err != nil {
			werr = fmt.Errorf("chmod temp file: %w", err)
		}
	}
	if werr != nil {
		os.Remove(name)
		return "", werr
	}
	return name, nil
}
