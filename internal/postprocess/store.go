package postprocess

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	rawDir   = "raw"
	finalDir = "final"
)

// Store lays out image files under a work directory:
//
//	<root>/<execution>/raw/<image>.png
//	<root>/<execution>/final/<image>.<ext>
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string {
	return s.root
}

// SaveRaw persists the provider output so later retries can re-run
// post-processing without generating again.
func (s *Store) SaveRaw(executionID, imageID uuid.UUID, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptySource
	}
	path := filepath.Join(s.root, executionID.String(), rawDir, imageID.String()+".png")
	if err := writeFile(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// ReadSource loads a previously saved raw file.
func (s *Store) ReadSource(path string) ([]byte, error) {
	if path == "" {
		return nil, ErrEmptySource
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", path, err)
	}
	return data, nil
}

// SaveFinal encodes the artifact into the execution's final directory. Any
// previous final file for the image (possibly in another format) is
// replaced.
func (s *Store) SaveFinal(executionID, imageID uuid.UUID, a *Artifact) (string, error) {
	data, err := a.Encode()
	if err != nil {
		return "", err
	}

	dir := filepath.Join(s.root, executionID.String(), finalDir)
	for _, ext := range []string{".png", ".jpg"} {
		if ext != a.Ext() {
			_ = os.Remove(filepath.Join(dir, imageID.String()+ext))
		}
	}

	path := filepath.Join(dir, imageID.String()+a.Ext())
	if err := writeFile(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// RemoveExecution deletes every file written for an execution.
func (s *Store) RemoveExecution(executionID uuid.UUID) error {
	return os.RemoveAll(filepath.Join(s.root, executionID.String()))
}

// Remove deletes individual files, ignoring ones already gone.
func (s *Store) Remove(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// writeFile writes through a temp file and renames it into place so readers
// never observe a partially written image.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}

	return os.Rename(tmp.Name(), path)
}
