// Package files maps client file references onto shared storage and owns the
// per-project artifact directories.
package files

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	// UploadsURLPrefix is how uploaded inputs are referenced by clients.
	UploadsURLPrefix = "/objects/uploads/"
	// StorageURLPrefix is where compiled artifacts are served from.
	StorageURLPrefix = "/objects/ar-storage/"
)

var ErrOutsideRoot = errors.New("path escapes storage root")

// Manager resolves upload references and manages project storage directories.
type Manager struct {
	storageRoot string
	uploadsRoot string
}

// NewManager returns a Manager rooted at the given directories. Relative roots
// are made absolute against the working directory.
func NewManager(storageRoot, uploadsRoot string) (*Manager, error) {
	s, err := filepath.Abs(storageRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	u, err := filepath.Abs(uploadsRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve uploads root: %w", err)
	}
	return &Manager{storageRoot: s, uploadsRoot: u}, nil
}

func (m *Manager) StorageRoot() string { return m.storageRoot }

func (m *Manager) UploadsRoot() string { return m.uploadsRoot }

// ResolveUploadPath maps a client reference to an absolute path.
// "/objects/uploads/<name>" and bare relative names resolve under the uploads
// root; other absolute paths must already lie under the uploads or storage
// root.
func (m *Manager) ResolveUploadPath(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty file reference")
	}
	if strings.HasPrefix(ref, UploadsURLPrefix) {
		return m.within(m.uploadsRoot, strings.TrimPrefix(ref, UploadsURLPrefix))
	}
	if filepath.IsAbs(ref) {
		// Absolute paths are accepted only under the roots this service owns.
		full := filepath.Clean(ref)
		if under(m.uploadsRoot, full) || under(m.storageRoot, full) {
			return full, nil
		}
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, ref)
	}
	return m.within(m.uploadsRoot, ref)
}

// within joins rel onto root, refusing results outside root.
func (m *Manager) within(root, rel string) (string, error) {
	cleaned := path.Clean("/" + filepath.ToSlash(rel))
	full := filepath.Join(root, filepath.FromSlash(cleaned))
	if !under(root, full) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return full, nil
}

func under(root, full string) bool {
	return full == root || strings.HasPrefix(full, root+string(filepath.Separator))
}

// FileExists reports whether p names an existing regular file.
func (m *Manager) FileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// ProjectStorageDir is the artifact directory for a project.
func (m *Manager) ProjectStorageDir(id uuid.UUID) string {
	return filepath.Join(m.storageRoot, id.String())
}

// CreateProjectStorage creates the project directory and returns its path.
func (m *Manager) CreateProjectStorage(id uuid.UUID) (string, error) {
	dir := m.ProjectStorageDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project storage: %w", err)
	}
	return dir, nil
}

// DeleteProjectStorage removes the project directory. A missing directory is
// not an error.
func (m *Manager) DeleteProjectStorage(id uuid.UUID) error {
	err := os.RemoveAll(m.ProjectStorageDir(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete project storage: %w", err)
	}
	return nil
}

// StorageURL is the public URL of an artifact inside a project directory.
func (m *Manager) StorageURL(id uuid.UUID, name string) string {
	return StorageURLPrefix + id.String() + "/" + name
}

// ResolveStoragePath maps an artifact URL back to its absolute path.
func (m *Manager) ResolveStoragePath(url string) (string, error) {
	if !strings.HasPrefix(url, StorageURLPrefix) {
		return "", fmt.Errorf("not a storage url: %s", url)
	}
	return m.within(m.storageRoot, strings.TrimPrefix(url, StorageURLPrefix))
}
