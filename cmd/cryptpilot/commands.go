package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openanolis/cryptpilot/pkg/block"
	"github.com/openanolis/cryptpilot/pkg/controller"
	"github.com/openanolis/cryptpilot/pkg/keyprovider"
	"github.com/openanolis/cryptpilot/pkg/volume"
)

func newController() *controller.Controller {
	return controller.New(volumeDir(), &block.ExecRunner{}, keyprovider.Options{})
}

// forEachVolume runs op over the selected volumes, attempting every volume
// and aggregating the failures.
func forEachVolume(ids []string, op func(*volume.Volume) error) error {
	c := newController()
	configs, err := c.Load(ids)
	if err != nil {
		return err
	}
	var failures []error
	for _, cfg := range configs {
		provider, err := keyprovider.New(cfg.Encrypt, keyprovider.Options{})
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if err := op(volume.New(cfg, provider, &block.ExecRunner{})); err != nil {
			failures = append(failures, fmt.Errorf("volume %s: %w", cfg.Volume, err))
		}
	}
	return errors.Join(failures...)
}

var initCmd = &cobra.Command{
	Use:   "init <volume>...",
	Short: "Initialize volumes (create the encrypted on-disk format)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return forEachVolume(args, func(v *volume.Volume) error {
			return v.Init(cmd.Context())
		})
	},
}

var openCmd = &cobra.Command{
	Use:   "open <volume>...",
	Short: "Open volumes and publish their plaintext mapper devices",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return forEachVolume(args, func(v *volume.Volume) error {
			return v.Open(cmd.Context())
		})
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <volume>...",
	Short: "Close volumes and tear their mapper devices down",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return forEachVolume(args, func(v *volume.Volume) error {
			return v.Close(cmd.Context())
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show [volume]...",
	Short: "Show the computed status of volumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		reports, err := newController().Show(args)
		if err != nil {
			return err
		}
		if asJSON {
			out, err := json.MarshalIndent(reports, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
		for _, r := range reports {
			line := fmt.Sprintf("%s\t%s\t%s", r.Volume, r.Dev, r.Status)
			if r.Error != "" {
				line += "\t" + r.Error
			}
			fmt.Println(line)
		}
		return nil
	},
}

var autoOpenCmd = &cobra.Command{
	Use:   "auto-open",
	Short: "Open every volume marked auto_open (run from the service unit)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newController().AutoOpen(cmd.Context())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Operate on the volume configuration set",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and key providers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		skipPassphrase, _ := cmd.Flags().GetBool("skip-check-passphrase")
		keepChecking, _ := cmd.Flags().GetBool("keep-checking")
		interval, _ := cmd.Flags().GetDuration("check-interval")

		c := newController()
		for {
			err := c.Check(cmd.Context(), skipPassphrase)
			if !keepChecking {
				return err
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "check failed: %v\n", err)
			} else {
				fmt.Println("check passed")
			}
			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-time.After(interval):
			}
		}
	},
}

func init() {
	showCmd.Flags().Bool("json", false, "Output machine-readable JSON")

	configCheckCmd.Flags().Bool("skip-check-passphrase", false,
		"Do not verify that providers still unlock their volumes")
	configCheckCmd.Flags().Bool("keep-checking", false,
		"Re-run the check periodically instead of exiting")
	configCheckCmd.Flags().Duration("check-interval", time.Minute,
		"Interval between checks with --keep-checking")
	configCmd.AddCommand(configCheckCmd)
}
