package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openanolis/cryptpilot/pkg/types"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadVolume(t *testing.T) {
	path := writeFile(t, t.TempDir(), "data0.toml", `
volume = "data0"
dev = "/dev/nvme1n1"
auto_open = true
makefs = "ext4"
integrity = true

[encrypt.kbs]
url = "https://kbs.example.com:8080"
key_uri = "default/volumes/data0"
`)

	cfg, err := LoadVolume(path)
	if err != nil {
		t.Fatalf("LoadVolume() error = %v", err)
	}

	assert.Equal(t, "data0", cfg.Volume)
	assert.Equal(t, "/dev/nvme1n1", cfg.Dev)
	assert.True(t, cfg.AutoOpen)
	assert.True(t, cfg.Integrity)
	assert.Equal(t, types.MakeFsExt4, cfg.MakeFs)
	assert.Equal(t, "kbs", cfg.Encrypt.Kind())
	assert.Equal(t, "/dev/mapper/data0", cfg.MapperPath())
}

func TestLoadVolumeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "missing volume id",
			content: "dev = \"/dev/vdb\"\n\n[encrypt.otp]\n",
		},
		{
			name:    "missing dev",
			content: "volume = \"data0\"\n\n[encrypt.otp]\n",
		},
		{
			name:    "relative dev",
			content: "volume = \"data0\"\ndev = \"vdb\"\n\n[encrypt.otp]\n",
		},
		{
			name:    "no provider",
			content: "volume = \"data0\"\ndev = \"/dev/vdb\"\n",
		},
		{
			name:    "two providers",
			content: "volume = \"data0\"\ndev = \"/dev/vdb\"\n\n[encrypt.otp]\n\n[encrypt.exec]\ncommand = \"/bin/true\"\n",
		},
		{
			name:    "unknown makefs",
			content: "volume = \"data0\"\ndev = \"/dev/vdb\"\nmakefs = \"btrfs\"\n\n[encrypt.otp]\n",
		},
		{
			name:    "unknown key",
			content: "volume = \"data0\"\ndev = \"/dev/vdb\"\nsurprise = 1\n\n[encrypt.otp]\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "v.toml", tt.content)
			_, err := LoadVolume(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadVolumeDirSortsAndSkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.toml", "volume = \"bbb\"\ndev = \"/dev/vdb\"\n\n[encrypt.otp]\n")
	writeFile(t, dir, "a.toml", "volume = \"aaa\"\ndev = \"/dev/vda\"\n\n[encrypt.otp]\n")
	writeFile(t, dir, "README.md", "not a config")

	configs, err := LoadVolumeDir(dir)
	if err != nil {
		t.Fatalf("LoadVolumeDir() error = %v", err)
	}

	assert.Len(t, configs, 2)
	assert.Equal(t, "aaa", configs[0].Volume)
	assert.Equal(t, "bbb", configs[1].Volume)
}

func TestLoadVolumeDirMissingIsEmpty(t *testing.T) {
	configs, err := LoadVolumeDir(filepath.Join(t.TempDir(), "absent"))
	assert.NoError(t, err)
	assert.Empty(t, configs)
}

func TestLoadFde(t *testing.T) {
	path := writeFile(t, t.TempDir(), "fde.toml", `
[rootfs]
rw_overlay = "ram"

[data]
integrity = true

[data.encrypt.kbs]
url = "https://kbs.example.com:8080"
key_uri = "default/fde/data"
`)

	cfg, err := LoadFde(path)
	if err != nil {
		t.Fatalf("LoadFde() error = %v", err)
	}
	assert.Equal(t, types.RwOverlayRam, cfg.OverlayType())
	assert.True(t, cfg.Data.Integrity)
	assert.Nil(t, cfg.Rootfs.Encrypt)
}

func TestLoadFdeDefaultsOverlayToDisk(t *testing.T) {
	path := writeFile(t, t.TempDir(), "fde.toml", `
[data.encrypt.exec]
command = "/bin/printf"
args = ["%s", "hunter2"]
`)

	cfg, err := LoadFde(path)
	if err != nil {
		t.Fatalf("LoadFde() error = %v", err)
	}
	assert.Equal(t, types.RwOverlayDisk, cfg.OverlayType())
}

func TestLoadFdeRejectsOtp(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "otp data", content: "[data.encrypt.otp]\n"},
		{name: "otp rootfs", content: "[rootfs.encrypt.otp]\n\n[data.encrypt.exec]\ncommand = \"/bin/true\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "fde.toml", tt.content)
			_, err := LoadFde(path)
			var ce *types.ConfigError
			assert.ErrorAs(t, err, &ce)
		})
	}
}

func TestCanonicalizeIsStable(t *testing.T) {
	cfg := &types.FdeConfig{
		Rootfs: types.FdeRootfsConfig{RwOverlay: types.RwOverlayDisk},
		Data: types.FdeDataConfig{
			Integrity: true,
			Encrypt: types.KeyProviderDescriptor{Kbs: &types.KbsDescriptor{
				Url:    "https://kbs.example.com:8080",
				KeyUri: "default/fde/data",
			}},
		},
	}

	first, err := Canonicalize(cfg)
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	second, err := Canonicalize(cfg)
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	assert.Equal(t, first, second)

	// Keys sorted, booleans literal, absent optionals omitted.
	canon := string(first)
	assert.Equal(t, `{"data":{"encrypt":{"kbs":{"key_uri":"default/fde/data","url":"https://kbs.example.com:8080"}},"integrity":true},"rootfs":{"rw_overlay":"disk"}}`, canon)
}

func TestHashChangesWithConfig(t *testing.T) {
	base := &types.FdeConfig{
		Data: types.FdeDataConfig{
			Encrypt: types.KeyProviderDescriptor{Exec: &types.ExecSpec{Command: "/bin/printf"}},
		},
	}
	changed := &types.FdeConfig{
		Data: types.FdeDataConfig{
			Integrity: true,
			Encrypt:   types.KeyProviderDescriptor{Exec: &types.ExecSpec{Command: "/bin/printf"}},
		},
	}

	h1, err := Hash(base)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	h2, err := Hash(changed)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}

	assert.Len(t, h1, 96)
	assert.NotEqual(t, h1, h2)
}
