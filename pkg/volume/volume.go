// Package volume implements named persistent storage directories,
// independent of any container's lifecycle (spec section 3/4.7).
package volume

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/quilt/pkg/quiltrrors"
	"github.com/cuemby/quilt/pkg/storage"
	"github.com/cuemby/quilt/pkg/types"
	"github.com/cuemby/quilt/pkg/validate"
)

// DefaultDriver is the only volume driver Quilt ships.
const DefaultDriver = "local"

// Manager creates, mounts, and removes named volumes under a single
// data directory, grounded on the teacher's LocalDriver/VolumeManager
// split but collapsed to one driver since Quilt has no plugin surface.
type Manager struct {
	store   storage.Store
	dataDir string
}

// NewManager constructs a volume manager rooted at "<data>/volumes".
func NewManager(store storage.Store, dataDir string) (*Manager, error) {
	root := filepath.Join(dataDir, "volumes")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create volumes directory: %w", err)
	}
	return &Manager{store: store, dataDir: dataDir}, nil
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.dataDir, "volumes", name)
}

// Create validates the name and creates a new volume's host directory
// and store record.
func (m *Manager) Create(name string, labels, options map[string]string) (*types.Volume, error) {
	if err := validate.VolumeName(name); err != nil {
		return nil, err
	}

	mountPath := m.path(name)
	if err := os.MkdirAll(mountPath, 0o755); err != nil {
		return nil, fmt.Errorf("create volume directory: %w", err)
	}

	v := &types.Volume{
		Name:      name,
		Driver:    DefaultDriver,
		Labels:    labels,
		Options:   options,
		MountPath: mountPath,
	}
	if err := m.store.InsertVolume(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Get returns a volume by name, incrementing reference-count bookkeeping
// is the caller's responsibility via Acquire.
func (m *Manager) Get(name string) (*types.Volume, error) {
	return m.store.GetVolume(name)
}

// List returns every volume known to the store.
func (m *Manager) List() ([]*types.Volume, error) {
	return m.store.ListVolumes()
}

// Acquire increments a volume's reference count when a container mounts
// it, creating the volume on first use if it does not already exist.
func (m *Manager) Acquire(name string) (*types.Volume, error) {
	v, err := m.store.GetVolume(name)
	if err != nil {
		var notFound *quiltrrors.NotFound
		if !errors.As(err, &notFound) {
			return nil, err
		}
		v, err = m.Create(name, nil, nil)
		if err != nil {
			return nil, err
		}
	}
	if err := m.store.IncrefVolume(name); err != nil {
		return nil, err
	}
	v.RefCount++
	return v, nil
}

// Release decrements a volume's reference count. It never deletes the
// volume itself; an unreferenced volume is deleted only by an explicit
// Remove (the cleanup worker reports such volumes but does not delete
// them).
func (m *Manager) Release(name string) (int, error) {
	return m.store.DecrefVolume(name)
}

// Remove deletes a volume's directory and store record. It refuses
// unless the reference count is zero or force is set, per spec
// section 3.
func (m *Manager) Remove(name string, force bool) error {
	v, err := m.store.GetVolume(name)
	if err != nil {
		return err
	}
	if v.RefCount > 0 && !force {
		return &quiltrrors.ValidationFailed{
			Message: fmt.Sprintf("volume %s is in use by %d container(s)", name, v.RefCount),
		}
	}

	if err := os.RemoveAll(m.path(name)); err != nil {
		return fmt.Errorf("remove volume directory: %w", err)
	}
	return m.store.DeleteVolume(name)
}

// Path returns the host directory backing a volume.
func (m *Manager) Path(name string) string {
	return m.path(name)
}
