package block

import (
	"fmt"

	cryptsetup "github.com/martinjungblut/go-cryptsetup"

	"github.com/openanolis/cryptpilot/pkg/secret"
	"github.com/openanolis/cryptpilot/pkg/types"
)

const (
	luksCipher     = "aes"
	luksCipherMode = "xts-plain64"

	// 512-bit key for aes-xts (two 256-bit halves).
	luksKeyBits = 512

	// hmac(sha256) journaled integrity under the crypt layer.
	integritySpec = "hmac(sha256)"
)

// LuksParams tune a format operation.
type LuksParams struct {
	// Integrity stacks a dm-integrity target beneath dm-crypt. libcryptsetup
	// sizes the integrity metadata area and keeps the payload alignment; the
	// kernel activates integrity first and layers crypt on top.
	Integrity bool
}

// IsLuks reports whether dev carries a LUKS2 header. This is the
// authoritative "initialized" predicate for non-volatile volumes. The error
// return distinguishes an unreadable device from a readable non-LUKS one.
func IsLuks(dev string) (bool, error) {
	device, err := InitCryptDevice(dev)
	if err != nil {
		return false, &types.DeviceError{Device: dev, Step: "probe", Err: err}
	}
	defer device.Free()

	if err := device.Load(cryptsetup.LUKS2{}); err != nil {
		// Load fails on a valid device that simply holds no LUKS2 header.
		return false, nil
	}
	return device.Type() == "LUKS2", nil
}

// LuksFormat creates a LUKS2 volume on dev keyed by passphrase. The previous
// contents of dev are destroyed.
func LuksFormat(dev string, passphrase *secret.Secret, params LuksParams) error {
	device, err := InitCryptDevice(dev)
	if err != nil {
		return &types.DeviceError{Device: dev, Step: "format", Err: err}
	}
	defer device.Free()

	luks2 := cryptsetup.LUKS2{
		SectorSize: 512,
	}
	if params.Integrity {
		luks2.Integrity = integritySpec
	}
	generic := cryptsetup.GenericParams{
		Cipher:        luksCipher,
		CipherMode:    luksCipherMode,
		VolumeKeySize: luksKeyBits / 8,
	}

	if err := device.Format(luks2, generic); err != nil {
		return &types.DeviceError{Device: dev, Step: "luksFormat", Err: err}
	}
	if err := device.KeyslotAddByVolumeKey(0, "", string(passphrase.Bytes())); err != nil {
		return &types.DeviceError{Device: dev, Step: "keyslotAdd", Err: err}
	}
	return nil
}

// LuksCheckPassphrase validates the passphrase against the header without
// activating anything. libcryptsetup runs the check when no device name is
// given. A mismatch is a key rejection, surfaced immediately, never retried.
func LuksCheckPassphrase(dev string, passphrase *secret.Secret) error {
	device, err := InitCryptDevice(dev)
	if err != nil {
		return &types.DeviceError{Device: dev, Step: "check", Err: err}
	}
	defer device.Free()

	if err := device.Load(cryptsetup.LUKS2{}); err != nil {
		return &types.DeviceError{Device: dev, Step: "check", Err: err}
	}
	if err := device.ActivateByPassphrase("", AnySlot, string(passphrase.Bytes()), 0); err != nil {
		return types.NewProviderError(types.ProviderKeyRejected,
			fmt.Errorf("passphrase does not unlock %s: %w", dev, err))
	}
	return nil
}

// LuksActivate opens dev as /dev/mapper/<name>. Activation is idempotent at
// the caller's level: the volume state machine resolves an existing node
// before calling. flags takes Activate* values; intermediate nodes pass
// ActivatePrivate so udev rules leave them alone.
func LuksActivate(name, dev string, passphrase *secret.Secret, flags int) error {
	device, err := InitCryptDevice(dev)
	if err != nil {
		return &types.DeviceError{Device: dev, Step: "activate", Err: err}
	}
	defer device.Free()

	if err := device.Load(cryptsetup.LUKS2{}); err != nil {
		return &types.DeviceError{Device: dev, Step: "activate", Err: err}
	}
	if err := device.ActivateByPassphrase(name, AnySlot, string(passphrase.Bytes()), flags); err != nil {
		return types.NewProviderError(types.ProviderKeyRejected,
			fmt.Errorf("passphrase does not unlock %s: %w", dev, err))
	}
	return nil
}

// LuksDeactivate tears down the mapper node.
func LuksDeactivate(name string) error {
	device, err := InitCryptDeviceByName(name)
	if err != nil {
		return &types.DeviceError{Device: name, Step: "deactivate", Err: err}
	}
	defer device.Free()

	if err := device.Deactivate(name); err != nil {
		return &types.DeviceError{Device: name, Step: "deactivate", Err: err}
	}
	return nil
}
