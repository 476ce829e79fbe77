package services

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Workspace is a per-request temp directory. Everything a job downloads or
// renders lives under Dir and is deleted by Close.
//
//	ws, err := services.NewWorkspace(cfg.TempDir)
//	if err != nil { ... }
//	defer ws.Close()
type Workspace struct {
	dir  string
	once sync.Once
}

// NewWorkspace creates a fresh uniquely named directory under baseDir.
func NewWorkspace(baseDir string) (*Workspace, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	dir := filepath.Join(baseDir, "job-"+uuid.NewString())
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string {
	return w.dir
}

// Path returns the location of name inside the workspace. Only the base
// name is used, so callers cannot escape the directory.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, filepath.Base(name))
}

// WriteFile writes data to name inside the workspace and returns its path.
func (w *Workspace) WriteFile(name string, data []byte) (string, error) {
	path := w.Path(name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// Close deletes the workspace. It is safe to call more than once; deletion
// errors are logged, not returned.
func (w *Workspace) Close() {
	w.once.Do(func() {
		if err := os.RemoveAll(w.dir); err != nil {
			log.Printf("[Workspace] Warning: failed to remove %s: %v", w.dir, err)
		}
	})
}
