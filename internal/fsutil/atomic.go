// Package fsutil holds small filesystem helpers shared by the state files.
package fsutil

import (
	"path/filepath"

	"github.com/spf13/afero"
)

// WriteFileAtomic replaces path with data: temp file in the same
// directory, sync, chmod 0600, rename. The parent directory is created
// with 0700 if missing. pattern names the temp file (see os.CreateTemp).
func WriteFileAtomic(fsys afero.Fs, path string, data []byte, pattern string) error {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := afero.TempFile(fsys, dir, pattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer fsys.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := fsys.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return fsys.Rename(tmpName, path)
}
