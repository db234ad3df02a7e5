package fde

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/openanolis/cryptpilot/pkg/types"
)

// DefaultMetadataPath is where the conversion pipeline records the boot
// metadata; the boot stages consume it read-only.
const DefaultMetadataPath = "/boot/cryptpilot/metadata.toml"

// MetadataType is the current format tag.
const MetadataType = 1

// Metadata is the persisted boot metadata: a format tag and the dm-verity
// root hash of the rootfs logical volume.
type Metadata struct {
	Type     int    `toml:"type"`
	RootHash string `toml:"root_hash"`
}

// LoadMetadata reads and validates the boot metadata.
func LoadMetadata(path string) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read boot metadata %s: %w", path, err)
	}
	var m Metadata
	if err := toml.Unmarshal(raw, &m); err != nil {
		return nil, &types.ConfigError{Reason: fmt.Sprintf("malformed boot metadata %s: %v", path, err)}
	}
	if m.Type != MetadataType {
		return nil, &types.ConfigError{Reason: fmt.Sprintf("unsupported boot metadata type %d", m.Type)}
	}
	m.RootHash = strings.ToLower(strings.TrimSpace(m.RootHash))
	if !isHex(m.RootHash) || m.RootHash == "" {
		return nil, &types.ConfigError{Reason: "boot metadata root_hash is not a hex digest"}
	}
	return &m, nil
}

// Save writes the metadata, creating the parent directory.
func (m *Metadata) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metadata dir: %w", err)
	}
	raw, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize boot metadata: %w", err)
	}
	return os.WriteFile(path, raw, 0644)
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
