package volume

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/openanolis/cryptpilot/pkg/block"
	"github.com/openanolis/cryptpilot/pkg/keyprovider"
	"github.com/openanolis/cryptpilot/pkg/log"
	"github.com/openanolis/cryptpilot/pkg/secret"
	"github.com/openanolis/cryptpilot/pkg/types"
)

// OpTimeout bounds one volume operation end to end, provider call included.
const OpTimeout = 300 * time.Second

// nameLocks serializes mutations per mapper name. The device-mapper
// subsystem is process-global kernel state; two operations on the same
// VolumeId must never interleave.
var nameLocks sync.Map

func lockName(name string) func() {
	v, _ := nameLocks.LoadOrStore(name, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Volume drives the lifecycle of one configured volume. The on-disk LUKS2
// header and the live device-mapper table are the only state; Volume itself
// holds none.
type Volume struct {
	cfg      *types.VolumeConfig
	provider keyprovider.Provider
	runner   block.Runner
}

// New builds the orchestrator for one volume.
func New(cfg *types.VolumeConfig, provider keyprovider.Provider, runner block.Runner) *Volume {
	return &Volume{cfg: cfg, provider: provider, runner: runner}
}

// Config returns the immutable volume configuration.
func (v *Volume) Config() *types.VolumeConfig {
	return v.cfg
}

// Discover computes the volume status without side effects. Two consecutive
// calls without intervening operations return the same state.
func (v *Volume) Discover() (types.VolumeStatus, error) {
	if _, err := os.Stat(v.cfg.Dev); err != nil {
		return types.StatusDeviceNotFound, nil
	}

	if block.MapperExists(v.cfg.Volume) {
		backing, err := block.MapperBacking(v.cfg.Volume)
		if err != nil {
			return types.StatusCheckFailed, &types.DeviceError{Device: v.cfg.Dev, Step: "resolve mapper", Err: err}
		}
		underlay, ok := block.ResolveUnderlay(v.cfg.Dev)
		if ok && backing == underlay {
			return types.StatusOpened, nil
		}
		return types.StatusCheckFailed, fmt.Errorf("mapper node %s is backed by %s, not %s: %w",
			v.cfg.Volume, backing, v.cfg.Dev, types.ErrDeviceNameConflict)
	}

	// A volatile key has no persistent "initialized" notion: every open
	// reformats, so the volume is always ready.
	if v.provider.Volatile() {
		return types.StatusReadyToOpen, nil
	}

	isLuks, err := block.IsLuks(v.cfg.Dev)
	if err != nil {
		return types.StatusCheckFailed, err
	}
	if isLuks {
		return types.StatusReadyToOpen, nil
	}
	return types.StatusRequiresInit, nil
}

// Init formats the underlay: integrity layer (when configured) beneath a
// LUKS2 header, then optionally creates the file system through a temporary
// private mapping. The temporary mapping is closed on every exit path.
func (v *Volume) Init(ctx context.Context) error {
	unlock := lockName(v.cfg.Volume)
	defer unlock()
	ctx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()

	status, err := v.Discover()
	if err != nil {
		return err
	}
	if status != types.StatusRequiresInit {
		return &types.StateError{Volume: v.cfg.Volume, State: status, Op: "init"}
	}

	logger := log.WithVolume(v.cfg.Volume)
	logger.Info().Str("dev", v.cfg.Dev).Bool("integrity", v.cfg.Integrity).Msg("initializing volume")

	passphrase, err := v.provider.GetPassphrase(ctx)
	if err != nil {
		return err
	}
	defer passphrase.Zero()

	if err := block.LuksFormat(v.cfg.Dev, passphrase, block.LuksParams{Integrity: v.cfg.Integrity}); err != nil {
		return err
	}

	if v.cfg.MakeFs != types.MakeFsNone {
		if err := v.makeFsViaTempMapping(ctx, passphrase); err != nil {
			return err
		}
	}

	logger.Info().Msg("volume initialized")
	return nil
}

// makeFsViaTempMapping opens a short-lived private mapping, confirms the
// plaintext is empty and creates the file system.
func (v *Volume) makeFsViaTempMapping(ctx context.Context, passphrase *secret.Secret) (err error) {
	tempName := v.cfg.Volume + "_init"
	if err := block.LuksActivate(tempName, v.cfg.Dev, passphrase, block.ActivatePrivate); err != nil {
		return err
	}
	defer func() {
		if closeErr := block.LuksDeactivate(tempName); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	if settleErr := block.UdevSettle(ctx, v.runner); settleErr != nil {
		return settleErr
	}
	return v.makeFsIfEmpty(ctx, block.MapperPath(tempName))
}

// makeFsIfEmpty creates the configured file system when the plaintext device
// carries no signature. An existing signature of the requested type is left
// alone; any other signature is a refusal condition.
func (v *Volume) makeFsIfEmpty(ctx context.Context, plainDev string) error {
	sig, err := block.ProbeSignature(ctx, v.runner, plainDev)
	if err != nil {
		return err
	}
	logger := log.WithVolume(v.cfg.Volume)
	switch sig {
	case "":
		logger.Info().Str("makefs", string(v.cfg.MakeFs)).Msg("creating file system")
		return block.MakeFs(ctx, v.runner, plainDev, v.cfg.MakeFs)
	case block.FsSignatureFor(v.cfg.MakeFs):
		logger.Info().Str("makefs", string(v.cfg.MakeFs)).Msg("file system already present, skipping makefs")
		return nil
	default:
		return &types.DeviceError{Device: plainDev, Step: "makefs",
			Err: fmt.Errorf("refusing to format over existing %q signature", sig)}
	}
}

// Open unlocks the volume and publishes /dev/mapper/<id>. For volatile keys
// the volume is reformatted first and its previous contents are discarded.
// A failure after partial activation rewinds the stack before returning.
func (v *Volume) Open(ctx context.Context) error {
	unlock := lockName(v.cfg.Volume)
	defer unlock()
	ctx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()

	status, err := v.Discover()
	if err != nil {
		return err
	}
	logger := log.WithVolume(v.cfg.Volume)
	switch status {
	case types.StatusOpened:
		logger.Info().Msg("volume already open")
		return nil
	case types.StatusDeviceNotFound:
		return &types.DeviceError{Device: v.cfg.Dev, Step: "open",
			Err: fmt.Errorf("underlay device does not exist")}
	case types.StatusRequiresInit:
		return &types.StateError{Volume: v.cfg.Volume, State: status, Op: "open"}
	}

	passphrase, err := v.provider.GetPassphrase(ctx)
	if err != nil {
		return err
	}
	defer passphrase.Zero()

	if v.provider.Volatile() {
		logger.Info().Msg("volatile key provider, reformatting volume")
		if err := block.LuksFormat(v.cfg.Dev, passphrase, block.LuksParams{Integrity: v.cfg.Integrity}); err != nil {
			return err
		}
	} else {
		// Validate before activating so a wrong key is a clean rejection
		// with no partial device-mapper state to rewind.
		if err := block.LuksCheckPassphrase(v.cfg.Dev, passphrase); err != nil {
			return err
		}
	}

	if err := block.LuksActivate(v.cfg.Volume, v.cfg.Dev, passphrase, 0); err != nil {
		return err
	}
	if err := v.afterActivate(ctx); err != nil {
		if rewindErr := block.LuksDeactivate(v.cfg.Volume); rewindErr != nil {
			logger.Error().Err(rewindErr).Msg("failed to rewind activation")
		}
		return err
	}

	logger.Info().Str("mapper", v.cfg.MapperPath()).Msg("volume opened")
	return nil
}

func (v *Volume) afterActivate(ctx context.Context) error {
	if err := block.UdevSettle(ctx, v.runner); err != nil {
		return err
	}
	if v.cfg.MakeFs == types.MakeFsNone {
		return nil
	}
	return v.makeFsIfEmpty(ctx, v.cfg.MapperPath())
}

// Close tears the mapper stack down, crypt before integrity. Refused while
// any process holds the plaintext device; closing a closed volume succeeds.
func (v *Volume) Close(ctx context.Context) error {
	unlock := lockName(v.cfg.Volume)
	defer unlock()

	if !block.MapperExists(v.cfg.Volume) {
		log.WithVolume(v.cfg.Volume).Debug().Msg("volume already closed")
		return nil
	}
	if block.IsMounted(v.cfg.MapperPath()) {
		return fmt.Errorf("volume %s is mounted: %w", v.cfg.Volume, types.ErrDeviceBusy)
	}
	if err := block.LuksDeactivate(v.cfg.Volume); err != nil {
		return err
	}
	log.WithVolume(v.cfg.Volume).Info().Msg("volume closed")
	return nil
}
