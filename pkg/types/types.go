package types

import (
	"fmt"
	"path/filepath"
)

// VolumeId identifies a volume; it is also the device-mapper node name,
// so /dev/mapper/<VolumeId> is the plaintext device once the volume is open.
type VolumeId = string

// MakeFsType is the file system created on first open over an empty
// plaintext device.
type MakeFsType string

const (
	MakeFsNone MakeFsType = ""
	MakeFsExt4 MakeFsType = "ext4"
	MakeFsXfs  MakeFsType = "xfs"
	MakeFsVfat MakeFsType = "vfat"
	MakeFsSwap MakeFsType = "swap"
)

// Valid reports whether the value is a recognized makefs option.
func (t MakeFsType) Valid() bool {
	switch t {
	case MakeFsNone, MakeFsExt4, MakeFsXfs, MakeFsVfat, MakeFsSwap:
		return true
	}
	return false
}

// RwOverlayType selects where the writable overlay layer of the FDE rootfs
// lives: on the encrypted data volume (persistent) or on a tmpfs (ephemeral).
type RwOverlayType string

const (
	RwOverlayDisk RwOverlayType = "disk"
	RwOverlayRam  RwOverlayType = "ram"
)

// VolumeStatus is the computed state of a volume. It is never persisted;
// the on-disk LUKS2 header and the live device-mapper table are the only
// sources of truth.
type VolumeStatus string

const (
	StatusDeviceNotFound VolumeStatus = "device_not_found"
	StatusCheckFailed    VolumeStatus = "check_failed"
	StatusRequiresInit   VolumeStatus = "requires_init"
	StatusReadyToOpen    VolumeStatus = "ready_to_open"
	StatusOpened         VolumeStatus = "opened"
)

// ExecSpec describes an external program invocation.
type ExecSpec struct {
	Command string   `toml:"command" json:"command"`
	Args    []string `toml:"args,omitempty" json:"args,omitempty"`
}

// KbsDescriptor configures the Key Broker Service provider.
type KbsDescriptor struct {
	Url      string `toml:"url" json:"url"`
	KeyUri   string `toml:"key_uri" json:"key_uri"`
	RootCert string `toml:"kbs_root_cert,omitempty" json:"kbs_root_cert,omitempty"`
}

// KmsAkDescriptor configures the KMS provider authenticated by a client key.
// ClientKeyPasswordRef is an opaque reference to the client key password; it
// is handed to the confidential data hub unresolved, and the hub dereferences
// it with whatever secret backend it is configured for.
type KmsAkDescriptor struct {
	InstanceId           string `toml:"kms_instance_id" json:"kms_instance_id"`
	ClientKeyId          string `toml:"client_key_id" json:"client_key_id"`
	ClientKeyPasswordRef string `toml:"client_key_password_ref" json:"client_key_password_ref"`
}

// KmsOidcDescriptor configures the KMS provider federated through OIDC;
// the token is produced by running TokenSource. ClientKeyPasswordRef is the
// same opaque reference as in KmsAkDescriptor.
type KmsOidcDescriptor struct {
	InstanceId           string   `toml:"kms_instance_id" json:"kms_instance_id"`
	ClientKeyPasswordRef string   `toml:"client_key_password_ref" json:"client_key_password_ref"`
	TokenSource          ExecSpec `toml:"oidc_token_source" json:"oidc_token_source"`
}

// OtpDescriptor configures the one-time-password provider. It carries no
// parameters; every open produces a fresh random passphrase and reformats.
type OtpDescriptor struct{}

// KeyProviderDescriptor is a tagged variant: exactly one field is non-nil.
type KeyProviderDescriptor struct {
	Otp     *OtpDescriptor     `toml:"otp,omitempty" json:"otp,omitempty"`
	Kbs     *KbsDescriptor     `toml:"kbs,omitempty" json:"kbs,omitempty"`
	KmsAk   *KmsAkDescriptor   `toml:"kms,omitempty" json:"kms,omitempty"`
	KmsOidc *KmsOidcDescriptor `toml:"oidc,omitempty" json:"oidc,omitempty"`
	Exec    *ExecSpec          `toml:"exec,omitempty" json:"exec,omitempty"`
}

// Kind returns the name of the configured variant, or "" when none is set.
func (d KeyProviderDescriptor) Kind() string {
	switch {
	case d.Otp != nil:
		return "otp"
	case d.Kbs != nil:
		return "kbs"
	case d.KmsAk != nil:
		return "kms"
	case d.KmsOidc != nil:
		return "oidc"
	case d.Exec != nil:
		return "exec"
	}
	return ""
}

// Validate checks that exactly one variant is configured.
func (d KeyProviderDescriptor) Validate() error {
	n := 0
	for _, set := range []bool{d.Otp != nil, d.Kbs != nil, d.KmsAk != nil, d.KmsOidc != nil, d.Exec != nil} {
		if set {
			n++
		}
	}
	if n == 0 {
		return &ConfigError{Reason: "no key provider configured"}
	}
	if n > 1 {
		return &ConfigError{Reason: "multiple key providers configured"}
	}
	return nil
}

// VolumeConfig is the immutable configuration of one runtime data volume.
type VolumeConfig struct {
	Volume    VolumeId              `toml:"volume" json:"volume"`
	Dev       string                `toml:"dev" json:"dev"`
	AutoOpen  bool                  `toml:"auto_open,omitempty" json:"auto_open,omitempty"`
	MakeFs    MakeFsType            `toml:"makefs,omitempty" json:"makefs,omitempty"`
	Integrity bool                  `toml:"integrity,omitempty" json:"integrity,omitempty"`
	Encrypt   KeyProviderDescriptor `toml:"encrypt" json:"encrypt"`
}

// MapperPath returns the plaintext device path published on open.
func (c *VolumeConfig) MapperPath() string {
	return filepath.Join("/dev/mapper", c.Volume)
}

// Validate checks the volume configuration for structural errors.
func (c *VolumeConfig) Validate() error {
	if c.Volume == "" {
		return &ConfigError{Reason: "volume id must not be empty"}
	}
	if c.Dev == "" {
		return &ConfigError{Volume: c.Volume, Reason: "dev must not be empty"}
	}
	if !filepath.IsAbs(c.Dev) {
		return &ConfigError{Volume: c.Volume, Reason: fmt.Sprintf("dev %q must be an absolute path", c.Dev)}
	}
	if !c.MakeFs.Valid() {
		return &ConfigError{Volume: c.Volume, Reason: fmt.Sprintf("unknown makefs %q", c.MakeFs)}
	}
	return c.Encrypt.Validate()
}

// FdeRootfsConfig configures the measured read-only rootfs volume.
type FdeRootfsConfig struct {
	RwOverlay RwOverlayType          `toml:"rw_overlay,omitempty" json:"rw_overlay,omitempty"`
	Encrypt   *KeyProviderDescriptor `toml:"encrypt,omitempty" json:"encrypt,omitempty"`
}

// FdeDataConfig configures the encrypted read-write data volume.
type FdeDataConfig struct {
	Integrity bool                  `toml:"integrity,omitempty" json:"integrity,omitempty"`
	Encrypt   KeyProviderDescriptor `toml:"encrypt" json:"encrypt"`
}

// FdeConfig is the fixed two-volume full-disk-encryption layout.
type FdeConfig struct {
	Rootfs FdeRootfsConfig `toml:"rootfs" json:"rootfs"`
	Data   FdeDataConfig   `toml:"data" json:"data"`
}

// Validate checks the FDE configuration. Otp is forbidden in FDE: a key that
// changes on every boot cannot unlock a persistent volume.
func (c *FdeConfig) Validate() error {
	switch c.Rootfs.RwOverlay {
	case "", RwOverlayDisk, RwOverlayRam:
	default:
		return &ConfigError{Reason: fmt.Sprintf("unknown rw_overlay %q", c.Rootfs.RwOverlay)}
	}
	if c.Rootfs.Encrypt != nil {
		if err := c.Rootfs.Encrypt.Validate(); err != nil {
			return err
		}
		if c.Rootfs.Encrypt.Otp != nil {
			return &ConfigError{Reason: "otp key provider is not allowed for the fde rootfs volume"}
		}
	}
	if err := c.Data.Encrypt.Validate(); err != nil {
		return err
	}
	if c.Data.Encrypt.Otp != nil {
		return &ConfigError{Reason: "otp key provider is not allowed for the fde data volume"}
	}
	return nil
}

// OverlayType returns the configured overlay type, applying the default.
func (c *FdeConfig) OverlayType() RwOverlayType {
	if c.Rootfs.RwOverlay == "" {
		return RwOverlayDisk
	}
	return c.Rootfs.RwOverlay
}
