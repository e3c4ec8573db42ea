// Package filestore holds small file-system helpers shared by the
// persistence layer.
package filestore

import (
	"os"
	"path/filepath"

	jsonx "missionctl/internal/shared/json"
)

// EnsureDir creates the directory and all parents if they don't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// EnsureParentDir creates the parent directory of filePath.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// AtomicWrite writes data to filePath via a temporary file + rename so a
// crash mid-write never leaves a corrupt file behind.
func AtomicWrite(filePath string, data []byte, perm os.FileMode) error {
	if err := EnsureParentDir(filePath); err != nil {
		return err
	}
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// ReadFileOrEmpty reads a file, returning (nil, nil) if the file doesn't exist.
func ReadFileOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// WriteJSON marshals v as indented JSON and writes it atomically.
func WriteJSON(filePath string, v any) error {
	data, err := jsonx.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return AtomicWrite(filePath, append(data, '\n'), 0o644)
}

// ResolvePath expands ~ and environment variables, falling back to
// defaultPath when configured is empty.
func ResolvePath(configured, defaultPath string) string {
	path := configured
	if path == "" {
		path = defaultPath
	}
	if path == "" {
		return path
	}
	if path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			switch {
			case len(path) == 1:
				path = home
			case path[1] == '/':
				path = filepath.Join(home, path[2:])
			default:
				path = filepath.Join(home, path[1:])
			}
		}
	}
	return os.ExpandEnv(path)
}
