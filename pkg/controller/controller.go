package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openanolis/cryptpilot/pkg/block"
	"github.com/openanolis/cryptpilot/pkg/config"
	"github.com/openanolis/cryptpilot/pkg/keyprovider"
	"github.com/openanolis/cryptpilot/pkg/log"
	"github.com/openanolis/cryptpilot/pkg/types"
	"github.com/openanolis/cryptpilot/pkg/volume"
)

// Device-appearance race: underlays may hotplug shortly after service start.
const (
	DeviceWaitTimeout  = 30 * time.Second
	DeviceWaitInterval = 1 * time.Second
)

// DefaultConcurrency bounds the auto-open fan-out.
const DefaultConcurrency = 4

// Controller manages the configured runtime volumes as a set: concurrent
// auto-open at startup, status reporting, configuration checking.
type Controller struct {
	configDir    string
	runner       block.Runner
	providerOpts keyprovider.Options
	concurrency  int
	waitTimeout  time.Duration
	waitInterval time.Duration
}

// New builds a controller over the volume configuration directory.
func New(configDir string, runner block.Runner, providerOpts keyprovider.Options) *Controller {
	return &Controller{
		configDir:    configDir,
		runner:       runner,
		providerOpts: providerOpts,
		concurrency:  DefaultConcurrency,
		waitTimeout:  DeviceWaitTimeout,
		waitInterval: DeviceWaitInterval,
	}
}

// SetDeviceWait tunes the underlay appearance poll.
func (c *Controller) SetDeviceWait(timeout, interval time.Duration) {
	c.waitTimeout = timeout
	c.waitInterval = interval
}

// Load reads the volume configurations, optionally filtered to the given
// volume IDs. Unknown IDs are an error.
func (c *Controller) Load(ids []string) ([]*types.VolumeConfig, error) {
	configs, err := config.LoadVolumeDir(c.configDir)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return configs, nil
	}
	byId := make(map[types.VolumeId]*types.VolumeConfig, len(configs))
	for _, cfg := range configs {
		byId[cfg.Volume] = cfg
	}
	selected := make([]*types.VolumeConfig, 0, len(ids))
	for _, id := range ids {
		cfg, ok := byId[id]
		if !ok {
			return nil, &types.ConfigError{Volume: id, Reason: "no such volume"}
		}
		selected = append(selected, cfg)
	}
	return selected, nil
}

func (c *Controller) newVolume(cfg *types.VolumeConfig) (*volume.Volume, error) {
	provider, err := keyprovider.New(cfg.Encrypt, c.providerOpts)
	if err != nil {
		return nil, err
	}
	return volume.New(cfg, provider, c.runner), nil
}

// AutoOpen opens every auto_open volume concurrently with a bounded
// fan-out. A failed volume never aborts the others; all failures are
// aggregated and returned together.
func (c *Controller) AutoOpen(ctx context.Context) error {
	configs, err := config.LoadVolumeDir(c.configDir)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var failures []error

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(c.concurrency)

	for _, cfg := range configs {
		if !cfg.AutoOpen {
			continue
		}
		group.Go(func() error {
			if err := c.openOne(ctx, cfg); err != nil {
				log.WithVolume(cfg.Volume).Error().Err(err).Msg("auto-open failed")
				mu.Lock()
				failures = append(failures, fmt.Errorf("volume %s: %w", cfg.Volume, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	if len(failures) > 0 {
		return errors.Join(failures...)
	}
	return nil
}

func (c *Controller) openOne(ctx context.Context, cfg *types.VolumeConfig) error {
	if !block.WaitForDevice(ctx, cfg.Dev, c.waitTimeout, c.waitInterval) {
		return &types.DeviceError{Device: cfg.Dev, Step: "wait",
			Err: fmt.Errorf("underlay did not appear within %s", c.waitTimeout)}
	}
	vol, err := c.newVolume(cfg)
	if err != nil {
		return err
	}
	return vol.Open(ctx)
}

// Report is one row of Show output.
type Report struct {
	Volume types.VolumeId     `json:"volume"`
	Dev    string             `json:"dev"`
	Status types.VolumeStatus `json:"status"`
	Error  string             `json:"error,omitempty"`
}

// Show computes the status of each selected volume without side effects.
func (c *Controller) Show(ids []string) ([]Report, error) {
	configs, err := c.Load(ids)
	if err != nil {
		return nil, err
	}
	reports := make([]Report, 0, len(configs))
	for _, cfg := range configs {
		report := Report{Volume: cfg.Volume, Dev: cfg.Dev}
		vol, err := c.newVolume(cfg)
		if err != nil {
			report.Status = types.StatusCheckFailed
			report.Error = err.Error()
		} else {
			status, err := vol.Discover()
			report.Status = status
			if err != nil {
				report.Error = err.Error()
			}
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Check validates the configuration set. Unless skipPassphrase is set, it
// also verifies that each provider currently yields a key that unlocks the
// volume's LUKS header; volumes that are not initialized yet are skipped.
func (c *Controller) Check(ctx context.Context, skipPassphrase bool) error {
	configs, err := config.LoadVolumeDir(c.configDir)
	if err != nil {
		return err
	}

	var failures []error
	for _, cfg := range configs {
		vol, err := c.newVolume(cfg)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if skipPassphrase {
			continue
		}
		status, err := vol.Discover()
		if err != nil {
			failures = append(failures, fmt.Errorf("volume %s: %w", cfg.Volume, err))
			continue
		}
		if status != types.StatusReadyToOpen || vol.Config().Encrypt.Otp != nil {
			continue
		}
		if err := c.checkPassphrase(ctx, vol); err != nil {
			failures = append(failures, fmt.Errorf("volume %s: %w", cfg.Volume, err))
		}
	}
	if len(failures) > 0 {
		return errors.Join(failures...)
	}
	return nil
}

func (c *Controller) checkPassphrase(ctx context.Context, vol *volume.Volume) error {
	provider, err := keyprovider.New(vol.Config().Encrypt, c.providerOpts)
	if err != nil {
		return err
	}
	passphrase, err := provider.GetPassphrase(ctx)
	if err != nil {
		return err
	}
	defer passphrase.Zero()
	return block.LuksCheckPassphrase(vol.Config().Dev, passphrase)
}
