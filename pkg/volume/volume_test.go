package volume

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	cryptsetup "github.com/martinjungblut/go-cryptsetup"
	"github.com/stretchr/testify/assert"

	"github.com/openanolis/cryptpilot/pkg/block"
	"github.com/openanolis/cryptpilot/pkg/keyprovider"
	"github.com/openanolis/cryptpilot/pkg/types"
)

// stubCrypt is the shared state behind stub crypt devices, in the style of
// a per-method-error stub: tests flip fields to steer each call.
type stubCrypt struct {
	mu        sync.Mutex
	formatted bool

	formatErr   error
	checkErr    error
	activateErr error

	formats     int
	activated   []string
	deactivated []string
}

type stubDevice struct{ s *stubCrypt }

func (d stubDevice) Format(cryptsetup.DeviceType, cryptsetup.GenericParams) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if d.s.formatErr != nil {
		return d.s.formatErr
	}
	d.s.formatted = true
	d.s.formats++
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
	if d.s.activateErr != nil {
		return d.s.activateErr
	}
	d.s.activated = append(d.s.activated, deviceName)
	return nil
}

func (d stubDevice) Deactivate(deviceName string) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.deactivated = append(d.s.deactivated, deviceName)
	return nil
}

func (d stubDevice) Type() string { return "LUKS2" }
func (d stubDevice) Free() bool   { return true }

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

func tempUnderlay(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "underlay.img")
	if err := os.WriteFile(path, make([]byte, 1024), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execDescriptor() types.KeyProviderDescriptor {
	return types.KeyProviderDescriptor{Exec: &types.ExecSpec{
		Command: "/bin/printf", Args: []string{"%s", "hunter2"},
	}}
}

func newTestVolume(t *testing.T, cfg *types.VolumeConfig, runner block.Runner) *Volume {
	t.Helper()
	provider, err := keyprovider.New(cfg.Encrypt, keyprovider.Options{})
	if err != nil {
		t.Fatalf("keyprovider.New() error = %v", err)
	}
	return New(cfg, provider, runner)
}

func TestDiscoverDeviceNotFound(t *testing.T) {
	cfg := &types.VolumeConfig{Volume: "tv-absent", Dev: "/nonexistent/path", Encrypt: execDescriptor()}
	v := newTestVolume(t, cfg, &block.FakeRunner{})

	status, err := v.Discover()
	assert.NoError(t, err)
	assert.Equal(t, types.StatusDeviceNotFound, status)
}

func TestDiscoverRequiresInit(t *testing.T) {
	s := &stubCrypt{}
	withStub(t, s)

	cfg := &types.VolumeConfig{Volume: "tv-fresh", Dev: tempUnderlay(t), Encrypt: execDescriptor()}
	v := newTestVolume(t, cfg, &block.FakeRunner{})

	status, err := v.Discover()
	assert.NoError(t, err)
	assert.Equal(t, types.StatusRequiresInit, status)
}

func TestDiscoverReadyToOpen(t *testing.T) {
	s := &stubCrypt{formatted: true}
	withStub(t, s)

	cfg := &types.VolumeConfig{Volume: "tv-ready", Dev: tempUnderlay(t), Encrypt: execDescriptor()}
	v := newTestVolume(t, cfg, &block.FakeRunner{})

	status, err := v.Discover()
	assert.NoError(t, err)
	assert.Equal(t, types.StatusReadyToOpen, status)
}

func TestDiscoverIdempotent(t *testing.T) {
	s := &stubCrypt{}
	withStub(t, s)

	cfg := &types.VolumeConfig{Volume: "tv-idem", Dev: tempUnderlay(t), Encrypt: execDescriptor()}
	v := newTestVolume(t, cfg, &block.FakeRunner{})

	first, err := v.Discover()
	assert.NoError(t, err)
	second, err := v.Discover()
	assert.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDiscoverOtpIsAlwaysReady(t *testing.T) {
	// No stub: the probe must not even run for a volatile provider.
	oldInit := block.InitCryptDevice
	block.InitCryptDevice = func(path string) (block.CryptDevice, error) {
		t.Fatal("probe must not run for otp volumes")
		return nil, nil
	}
	t.Cleanup(func() { block.InitCryptDevice = oldInit })

	cfg := &types.VolumeConfig{Volume: "tv-otp", Dev: tempUnderlay(t),
		Encrypt: types.KeyProviderDescriptor{Otp: &types.OtpDescriptor{}}}
	v := newTestVolume(t, cfg, &block.FakeRunner{})

	status, err := v.Discover()
	assert.NoError(t, err)
	assert.Equal(t, types.StatusReadyToOpen, status)
}

func TestInitRefusedWhenInitialized(t *testing.T) {
	s := &stubCrypt{formatted: true}
	withStub(t, s)

	cfg := &types.VolumeConfig{Volume: "tv-initialized", Dev: tempUnderlay(t), Encrypt: execDescriptor()}
	v := newTestVolume(t, cfg, &block.FakeRunner{})

	err := v.Init(context.Background())
	var se *types.StateError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, 0, s.formats)
}

func TestInitFormatsAndBecomesReady(t *testing.T) {
	s := &stubCrypt{}
	withStub(t, s)

	cfg := &types.VolumeConfig{Volume: "tv-init", Dev: tempUnderlay(t), Encrypt: execDescriptor()}
	v := newTestVolume(t, cfg, &block.FakeRunner{})

	if err := v.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	assert.Equal(t, 1, s.formats)

	status, err := v.Discover()
	assert.NoError(t, err)
	assert.Equal(t, types.StatusReadyToOpen, status)
}

func TestInitMakeFsUsesTempMappingAndAlwaysCloses(t *testing.T) {
	s := &stubCrypt{}
	withStub(t, s)

	runner := &block.FakeRunner{}
	cfg := &types.VolumeConfig{Volume: "tv-mkfs", Dev: tempUnderlay(t),
		MakeFs: types.MakeFsExt4, Encrypt: execDescriptor()}
	v := newTestVolume(t, cfg, runner)

	if err := v.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	assert.Equal(t, []string{"tv-mkfs_init"}, s.activated)
	assert.Equal(t, []string{"tv-mkfs_init"}, s.deactivated)
	assert.True(t, runner.CalledWith("mkfs.ext4 -F /dev/mapper/tv-mkfs_init"))
}

func TestInitTempMappingClosedOnMkfsFailure(t *testing.T) {
	s := &stubCrypt{}
	withStub(t, s)

	runner := &block.FakeRunner{Errors: map[string]error{
		"mkfs.ext4": errors.New("no space left on device"),
	}}
	cfg := &types.VolumeConfig{Volume: "tv-mkfail", Dev: tempUnderlay(t),
		MakeFs: types.MakeFsExt4, Encrypt: execDescriptor()}
	v := newTestVolume(t, cfg, runner)

	err := v.Init(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []string{"tv-mkfail_init"}, s.deactivated)
}

func TestOpenHappyPath(t *testing.T) {
	s := &stubCrypt{formatted: true}
	withStub(t, s)

	cfg := &types.VolumeConfig{Volume: "tv-open", Dev: tempUnderlay(t), Encrypt: execDescriptor()}
	v := newTestVolume(t, cfg, &block.FakeRunner{})

	if err := v.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	assert.Equal(t, []string{"tv-open"}, s.activated)
	assert.Equal(t, 0, s.formats)
}

func TestOpenRefusedBeforeInit(t *testing.T) {
	s := &stubCrypt{}
	withStub(t, s)

	cfg := &types.VolumeConfig{Volume: "tv-uninit", Dev: tempUnderlay(t), Encrypt: execDescriptor()}
	v := newTestVolume(t, cfg, &block.FakeRunner{})

	err := v.Open(context.Background())
	var se *types.StateError
	assert.ErrorAs(t, err, &se)
}

func TestOpenKeyRejectedLeavesNoMapperNode(t *testing.T) {
	s := &stubCrypt{formatted: true, checkErr: errors.New("no usable keyslot")}
	withStub(t, s)

	cfg := &types.VolumeConfig{Volume: "tv-badkey", Dev: tempUnderlay(t), Encrypt: execDescriptor()}
	v := newTestVolume(t, cfg, &block.FakeRunner{})

	err := v.Open(context.Background())
	assert.True(t, types.IsKeyRejected(err), "want KeyRejected, got %v", err)
	assert.Empty(t, s.activated)
	assert.Empty(t, s.deactivated)
}

func TestOpenVolatileAlwaysReformats(t *testing.T) {
	s := &stubCrypt{}
	withStub(t, s)

	cfg := &types.VolumeConfig{Volume: "tv-otp-open", Dev: tempUnderlay(t),
		Encrypt: types.KeyProviderDescriptor{Otp: &types.OtpDescriptor{}}}
	v := newTestVolume(t, cfg, &block.FakeRunner{})

	if err := v.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	assert.Equal(t, 1, s.formats)
	assert.Equal(t, []string{"tv-otp-open"}, s.activated)
}

func TestOpenRewindsActivationOnLateFailure(t *testing.T) {
	s := &stubCrypt{formatted: true}
	withStub(t, s)

	// blkid failing after activation forces the rewind path.
	runner := &block.FakeRunner{Errors: map[string]error{
		"blkid": errors.New("probe I/O error"),
	}}
	cfg := &types.VolumeConfig{Volume: "tv-rewind", Dev: tempUnderlay(t),
		MakeFs: types.MakeFsExt4, Encrypt: execDescriptor()}
	v := newTestVolume(t, cfg, runner)

	err := v.Open(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []string{"tv-rewind"}, s.activated)
	assert.Equal(t, []string{"tv-rewind"}, s.deactivated)
}

func TestCloseWhenAlreadyClosed(t *testing.T) {
	cfg := &types.VolumeConfig{Volume: "tv-closed", Dev: tempUnderlay(t), Encrypt: execDescriptor()}
	v := newTestVolume(t, cfg, &block.FakeRunner{})

	assert.NoError(t, v.Close(context.Background()))
}
