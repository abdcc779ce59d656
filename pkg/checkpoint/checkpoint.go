// Package checkpoint persists network weights of a training run under a run-unique prefix.
package checkpoint

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"tabkit/pkg/model"
)

// Suffix is appended to the run prefix to form the artifact file name
const Suffix = "_params.gob"

var ErrArtifactNotFound = errors.New("checkpoint artifact not found")

// Manager stores checkpoints in a directory shared by concurrent runs. Runs never collide as
// long as their tags are unique; there is no locking.
type Manager struct {
	dir string
}

func New(dir string) *Manager {
	return &Manager{dir: dir}
}

func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) Path(tag string) string {
	return filepath.Join(m.dir, tag+Suffix)
}

// Save writes state under tag, replacing a previous artifact with the same tag
func (m *Manager) Save(tag string, state model.State) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("error creating checkpoint directory %s: %w", m.dir, err)
	}
	tmp, err := ioutil.TempFile(m.dir, tag+".tmp-")
	if err != nil {
		return fmt.Errorf("error creating checkpoint file: %w", err)
	}

	if err := gob.NewEncoder(tmp).Encode(state); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("error encoding checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("error writing checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.Path(tag)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("error moving checkpoint into place: %w", err)
	}
	return nil
}

func (m *Manager) Load(tag string) (model.State, error) {
	file, err := os.Open(m.Path(tag))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, m.Path(tag))
	}
	if err != nil {
		return nil, fmt.Errorf("error opening checkpoint: %w", err)
	}
	defer file.Close()

	var state model.State
	if err := gob.NewDecoder(file).Decode(&state); err != nil {
		return nil, fmt.Errorf("error decoding checkpoint %s: %w", m.Path(tag), err)
	}
	return state, nil
}

// Delete removes the artifact of tag. An artifact that is already gone is not an error.
func (m *Manager) Delete(tag string) error {
	err := os.Remove(m.Path(tag))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing checkpoint: %w", err)
	}
	return nil
}
