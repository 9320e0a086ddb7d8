// Package atomicio implements crash-safe file persistence: full-file writes go
// through a temp sibling + fsync + rename, appends fsync before returning.
// After any WriteFile a reader observes either the previous contents or the
// new contents, never a partial state.
package atomicio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile atomically replaces the contents of path with data.
//
// The temp file is created with O_EXCL in the same directory so the final
// rename stays on one filesystem. The parent directory is fsynced after the
// rename; on filesystems where directory fsync is unsupported that step is
// best-effort.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomicio: create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("atomicio: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("atomicio: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("atomicio: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("atomicio: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("atomicio: rename temp file: %w", err)
	}

	syncDir(dir)
	return nil
}

// WriteJSON atomically writes v as indented JSON with a trailing newline.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("atomicio: marshal json: %w", err)
	}
	return WriteFile(path, append(data, '\n'))
}

// AppendLine appends line (newline added if missing) to path, creating it if
// needed, and fsyncs the fd before returning.
func AppendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("atomicio: create parent dir: %w", err)
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line += "\n"
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("atomicio: open for append: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("atomicio: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("atomicio: fsync append: %w", err)
	}
	return nil
}

// syncDir fsyncs a directory so a preceding rename survives a crash on
// ext4 data=ordered. Failures are ignored (Windows, some network filesystems).
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
