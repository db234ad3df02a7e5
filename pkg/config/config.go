package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/openanolis/cryptpilot/pkg/types"
)

const (
	// DefaultDir is the runtime configuration root.
	DefaultDir = "/etc/cryptpilot"

	// VolumeSubDir holds one TOML file per runtime volume.
	VolumeSubDir = "volumes"

	// FdeFileName is the FDE configuration file inside the config root.
	// In the initrd the same file is embedded under the initrd config root.
	FdeFileName = "fde.toml"
)

// VolumeDir returns the volume configuration directory under root.
func VolumeDir(root string) string {
	return filepath.Join(root, VolumeSubDir)
}

// FdePath returns the FDE configuration path under root.
func FdePath(root string) string {
	return filepath.Join(root, FdeFileName)
}

// LoadVolume reads and validates a single volume configuration file.
func LoadVolume(path string) (*types.VolumeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read volume config %s: %w", path, err)
	}
	var cfg types.VolumeConfig
	dec := toml.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, &types.ConfigError{Reason: fmt.Sprintf("%s: %v", path, err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// LoadVolumeDir reads every *.toml file in dir, validates each volume and
// rejects duplicate volume IDs. The result is sorted by volume ID so callers
// iterate deterministically.
func LoadVolumeDir(dir string) ([]*types.VolumeConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read volume config dir %s: %w", dir, err)
	}

	seen := make(map[types.VolumeId]string)
	var configs []*types.VolumeConfig
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		cfg, err := LoadVolume(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[cfg.Volume]; ok {
			return nil, &types.ConfigError{
				Volume: cfg.Volume,
				Reason: fmt.Sprintf("duplicate volume id (defined in %s and %s)", prev, path),
			}
		}
		seen[cfg.Volume] = path
		configs = append(configs, cfg)
	}

	sort.Slice(configs, func(i, j int) bool { return configs[i].Volume < configs[j].Volume })
	return configs, nil
}

// LoadFde reads and validates the FDE configuration file.
func LoadFde(path string) (*types.FdeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fde config %s: %w", path, err)
	}
	var cfg types.FdeConfig
	dec := toml.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, &types.ConfigError{Reason: fmt.Sprintf("%s: %v", path, err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
