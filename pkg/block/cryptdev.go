package block

import (
	cryptsetup "github.com/martinjungblut/go-cryptsetup"
)

// Activation flags, matching the libcryptsetup CRYPT_ACTIVATE_* values.
// ActivatePrivate sets DM_UDEV_DISABLE_OTHER_RULES_FLAG on the node so other
// udev consumers (udisks and friends) leave intermediate devices alone.
const (
	ActivateReadonly = 1 << 0
	ActivatePrivate  = 1 << 4
)

// AnySlot tries all keyslots, matching CRYPT_ANY_SLOT.
const AnySlot = -1

// CryptDevice is the narrow libcryptsetup surface the engine composes.
// Production code goes through the cgo binding; tests substitute a stub.
type CryptDevice interface {
	Format(deviceType cryptsetup.DeviceType, genericParams cryptsetup.GenericParams) error
	KeyslotAddByVolumeKey(keyslot int, volumeKey string, passphrase string) error
	Load(deviceType cryptsetup.DeviceType) error
	ActivateByPassphrase(deviceName string, keyslot int, passphrase string, flags int) error
	Deactivate(deviceName string) error
	Type() string
	Free() bool
}

// InitCryptDevice opens a libcryptsetup context for a block device or file.
// Overridable so unit tests never touch the kernel.
var InitCryptDevice = func(path string) (CryptDevice, error) {
	return cryptsetup.Init(path)
}

// InitCryptDeviceByName opens a libcryptsetup context for an active mapper
// node, used to deactivate without re-probing the underlay.
var InitCryptDeviceByName = func(name string) (CryptDevice, error) {
	return cryptsetup.InitByName(name)
}
