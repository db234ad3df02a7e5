package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	cryptsetup "github.com/martinjungblut/go-cryptsetup"
	"github.com/stretchr/testify/assert"

	"github.com/openanolis/cryptpilot/pkg/block"
	"github.com/openanolis/cryptpilot/pkg/keyprovider"
	"github.com/openanolis/cryptpilot/pkg/types"
)

type stubCrypt struct {
	mu        sync.Mutex
	formatted bool
	checkErr  error
	activated []string
}

type stubDevice struct{ s *stubCrypt }

func (d stubDevice) Format(cryptsetup.DeviceType, cryptsetup.GenericParams) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.formatted = true
	return nil
}

func (d stubDevice) KeyslotAddByVolumeKey(int, string, string) error { return nil }

func (d stubDevice) Load(cryptsetup.DeviceType) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if !d.s.formatted {
		return errors.New("no LUKS2 header")
	}
	return nil
}

func (d stubDevice) ActivateByPassphrase(deviceName string, keyslot int, passphrase string, flags int) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if deviceName == "" {
		return d.s.checkErr
	}
	d.s.activated = append(d.s.activated, deviceName)
	return nil
}

func (d stubDevice) Deactivate(string) error { return nil }
func (d stubDevice) Type() string            { return "LUKS2" }
func (d stubDevice) Free() bool              { return true }

func withStub(t *testing.T, s *stubCrypt) {
	t.Helper()
	oldInit := block.InitCryptDevice
	oldByName := block.InitCryptDeviceByName
	block.InitCryptDevice = func(path string) (block.CryptDevice, error) {
		return stubDevice{s: s}, nil
	}
	block.InitCryptDeviceByName = func(name string) (block.CryptDevice, error) {
		return stubDevice{s: s}, nil
	}
	t.Cleanup(func() {
		block.InitCryptDevice = oldInit
		block.InitCryptDeviceByName = oldByName
	})
}

func writeVolumeConfig(t *testing.T, dir, id, dev string, autoOpen bool) {
	t.Helper()
	content := "volume = \"" + id + "\"\ndev = \"" + dev + "\"\n"
	if autoOpen {
		content += "auto_open = true\n"
	}
	content += "\n[encrypt.exec]\ncommand = \"/bin/printf\"\nargs = [\"%s\", \"hunter2\"]\n"
	if err := os.WriteFile(filepath.Join(dir, id+".toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func makeUnderlay(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, 1024), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestController(t *testing.T, configDir string) *Controller {
	t.Helper()
	c := New(configDir, &block.FakeRunner{}, keyprovider.Options{})
	c.SetDeviceWait(100*time.Millisecond, 10*time.Millisecond)
	return c
}

func TestAutoOpenSelectsOnlyMarkedVolumes(t *testing.T) {
	s := &stubCrypt{formatted: true}
	withStub(t, s)

	dir := t.TempDir()
	configDir := filepath.Join(dir, "volumes")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatal(err)
	}
	devA := makeUnderlay(t, dir, "a.img")
	devB := makeUnderlay(t, dir, "b.img")
	writeVolumeConfig(t, configDir, "ct-auto", devA, true)
	writeVolumeConfig(t, configDir, "ct-manual", devB, false)

	c := newTestController(t, configDir)
	if err := c.AutoOpen(context.Background()); err != nil {
		t.Fatalf("AutoOpen() error = %v", err)
	}

	assert.Equal(t, []string{"ct-auto"}, s.activated)
}

func TestAutoOpenAggregatesFailures(t *testing.T) {
	s := &stubCrypt{formatted: true}
	withStub(t, s)

	dir := t.TempDir()
	configDir := filepath.Join(dir, "volumes")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatal(err)
	}
	devGood := makeUnderlay(t, dir, "good.img")
	writeVolumeConfig(t, configDir, "ct-good", devGood, true)
	writeVolumeConfig(t, configDir, "ct-gone", filepath.Join(dir, "missing.img"), true)

	c := newTestController(t, configDir)
	err := c.AutoOpen(context.Background())

	// The missing underlay fails, the good volume still opens.
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ct-gone")
	assert.Contains(t, s.activated, "ct-good")
}

func TestShowReportsStatusWithoutSideEffects(t *testing.T) {
	s := &stubCrypt{formatted: true}
	withStub(t, s)

	dir := t.TempDir()
	configDir := filepath.Join(dir, "volumes")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatal(err)
	}
	dev := makeUnderlay(t, dir, "a.img")
	writeVolumeConfig(t, configDir, "ct-show", dev, false)
	writeVolumeConfig(t, configDir, "ct-absent", filepath.Join(dir, "missing.img"), false)

	c := newTestController(t, configDir)
	reports, err := c.Show(nil)
	if err != nil {
		t.Fatalf("Show() error = %v", err)
	}

	byVolume := make(map[string]Report)
	for _, r := range reports {
		byVolume[r.Volume] = r
	}
	assert.Equal(t, types.StatusDeviceNotFound, byVolume["ct-absent"].Status)
	assert.Equal(t, types.StatusReadyToOpen, byVolume["ct-show"].Status)
	assert.Empty(t, s.activated)
}

func TestShowUnknownVolume(t *testing.T) {
	dir := t.TempDir()
	c := newTestController(t, dir)

	_, err := c.Show([]string{"no-such-volume"})
	var ce *types.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestCheckVerifiesPassphrase(t *testing.T) {
	s := &stubCrypt{formatted: true, checkErr: errors.New("no usable keyslot")}
	withStub(t, s)

	dir := t.TempDir()
	configDir := filepath.Join(dir, "volumes")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatal(err)
	}
	dev := makeUnderlay(t, dir, "a.img")
	writeVolumeConfig(t, configDir, "ct-check", dev, false)

	c := newTestController(t, configDir)

	// Key no longer unlocks the header: check fails...
	err := c.Check(context.Background(), false)
	assert.Error(t, err)

	// ...but passes when passphrase verification is skipped.
	assert.NoError(t, c.Check(context.Background(), true))
}

func TestLoadRejectsDuplicateVolumeIds(t *testing.T) {
	dir := t.TempDir()
	configDir := filepath.Join(dir, "volumes")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatal(err)
	}
	dev := makeUnderlay(t, dir, "a.img")
	writeVolumeConfig(t, configDir, "ct-dup", dev, false)

	// Same volume id under a different file name.
	content := "volume = \"ct-dup\"\ndev = \"" + dev + "\"\n\n[encrypt.otp]\n"
	if err := os.WriteFile(filepath.Join(configDir, "other.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	c := newTestController(t, configDir)
	_, err := c.Load(nil)
	var ce *types.ConfigError
	assert.ErrorAs(t, err, &ce)
}
