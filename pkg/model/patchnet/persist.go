package patchnet

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"tumorseg/pkg/model"
)

// checkpoint is the on-disk form of a network
type checkpoint struct {
	Net     *Config
	Feature *FeatureConfig
	Weights model.Snapshot
}

func writeCheckpoint(path string, cp checkpoint) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create model file: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()
	if err := gob.NewEncoder(f).Encode(cp); err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

func readCheckpoint(path string) (checkpoint, error) {
	var cp checkpoint
	f, err := os.Open(path)
	if err != nil {
		return cp, err
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(&cp); err != nil {
		return cp, fmt.Errorf("failed to decode model %s: %w", path, err)
	}
	return cp, nil
}

// Save writes the configuration and weights to path
func (n *Net) Save(path string) error {
	cfg := n.cfg
	return writeCheckpoint(path, checkpoint{Net: &cfg, Weights: model.TakeSnapshot(n)})
}

// Load reads a network written by Net.Save
func Load(path string) (*Net, error) {
	cp, err := readCheckpoint(path)
	if err != nil {
		return nil, err
	}
	if cp.Net == nil {
		return nil, fmt.Errorf("%s does not hold a patch network", path)
	}
	n, err := New(*cp.Net)
	if err != nil {
		return nil, err
	}
	if err := cp.Weights.Restore(n); err != nil {
		return nil, err
	}
	return n, nil
}

// Save writes the configuration and weights to path
func (f *FeatureNet) Save(path string) error {
	cfg := f.cfg
	return writeCheckpoint(path, checkpoint{Feature: &cfg, Weights: model.TakeSnapshot(f)})
}

// LoadFeatureNet reads a domain model written by FeatureNet.Save
func LoadFeatureNet(path string) (*FeatureNet, error) {
	cp, err := readCheckpoint(path)
	if err != nil {
		return nil, err
	}
	if cp.Feature == nil {
		return nil, fmt.Errorf("%s does not hold a domain model", path)
	}
	f, err := NewFeatureNet(*cp.Feature)
	if err != nil {
		return nil, err
	}
	if err := cp.Weights.Restore(f); err != nil {
		return nil, err
	}
	return f, nil
}
