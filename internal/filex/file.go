// Package filex provides the durable-write helpers used by the JSON documents
// (code ledger, allow-list): a document is always replaced as a whole, via a
// temporary file in the same directory followed by a rename.
package filex

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// EnsureParentDir creates the directory holding path when it is missing.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// WriteFileAtomic writes data to a temp file next to path, syncs it and renames
// it over path. Readers never observe a partially written document.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	if err := EnsureParentDir(path); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// MarshalDocument renders v as two-space indented JSON with a trailing newline.
func MarshalDocument(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteJSON marshals v with MarshalDocument and writes it atomically.
// The rendered bytes are returned so callers can fingerprint or ship them.
func WriteJSON(path string, v any) ([]byte, error) {
	b, err := MarshalDocument(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := WriteFileAtomic(path, b, 0o600); err != nil {
		return nil, err
	}
	return b, nil
}

// ReadJSON decodes path into v. A missing file leaves v untouched and
// reports found=false; malformed content is an error.
func ReadJSON(path string, v any) (raw []byte, found bool, err error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return b, true, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return nil, true, fmt.Errorf("decode %s: %w", path, err)
	}
	return b, true, nil
}
