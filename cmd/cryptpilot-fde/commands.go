package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openanolis/cryptpilot/pkg/block"
	"github.com/openanolis/cryptpilot/pkg/config"
	"github.com/openanolis/cryptpilot/pkg/controller"
	"github.com/openanolis/cryptpilot/pkg/fde"
	"github.com/openanolis/cryptpilot/pkg/keyprovider"
	"github.com/openanolis/cryptpilot/pkg/measure"
)

// Boot stages, ordered by the init system's unit dependencies.
const (
	stageBeforeSysroot = "before-sysroot"
	stageAfterSysroot  = "after-sysroot"
	stageAutoOpen      = "system-volumes-auto-open"
)

func bootOptions() fde.Options {
	configPath, _ := rootCmd.PersistentFlags().GetString("config")
	metadataPath, _ := rootCmd.PersistentFlags().GetString("metadata")
	return fde.Options{
		ConfigPath:   configPath,
		MetadataPath: metadataPath,
	}
}

var bootServiceCmd = &cobra.Command{
	Use:   "boot-service",
	Short: "Run one boot stage (invoked by the initrd service units)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stage, _ := cmd.Flags().GetString("stage")

		switch stage {
		case stageBeforeSysroot, stageAfterSysroot:
			boot := fde.NewBoot(bootOptions(), measure.Select(""), &block.ExecRunner{})
			if stage == stageBeforeSysroot {
				return boot.BeforeSysroot(cmd.Context())
			}
			return boot.AfterSysroot(cmd.Context())
		case stageAutoOpen:
			c := controller.New(config.VolumeDir(config.DefaultDir), &block.ExecRunner{}, keyprovider.Options{})
			return c.AutoOpen(cmd.Context())
		default:
			return fmt.Errorf("unknown boot stage %q", stage)
		}
	},
}

var showReferenceValueCmd = &cobra.Command{
	Use:   "show-reference-value",
	Short: "Compute the expected rootfs verity root hash from a disk image",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		disk, _ := cmd.Flags().GetString("disk")
		algo, _ := cmd.Flags().GetString("hash-algo")

		hash, err := fde.ShowReferenceValue(cmd.Context(), &block.ExecRunner{}, disk, block.VerityHashAlgo(algo))
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

var fdeConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Operate on the FDE configuration",
}

var fdeConfigCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the FDE configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := rootCmd.PersistentFlags().GetString("config")
		if _, err := config.LoadFde(configPath); err != nil {
			return err
		}
		fmt.Println("configuration ok")
		return nil
	},
}

var fdeConfigDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the canonical configuration serialization and its hash",
	Long: `Print the exact canonical byte sequence that is hashed into the
load_config measurement, followed by the hash itself. Verifiers reproduce
the expected measurement from this output.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := rootCmd.PersistentFlags().GetString("config")
		cfg, err := config.LoadFde(configPath)
		if err != nil {
			return err
		}
		canon, err := config.Canonicalize(cfg)
		if err != nil {
			return err
		}
		hash, err := config.Hash(cfg)
		if err != nil {
			return err
		}
		fmt.Println(string(canon))
		fmt.Printf("sha384:%s\n", hash)
		return nil
	},
}

func init() {
	bootServiceCmd.Flags().String("stage", "",
		"Boot stage: before-sysroot, after-sysroot or system-volumes-auto-open")
	_ = bootServiceCmd.MarkFlagRequired("stage")

	showReferenceValueCmd.Flags().String("disk", "", "Disk image or block device holding the system volume group")
	showReferenceValueCmd.Flags().String("hash-algo", string(block.VeritySha256),
		"Verity hash algorithm: sha256, sha384, sha1 or sm3")
	_ = showReferenceValueCmd.MarkFlagRequired("disk")

	fdeConfigCmd.AddCommand(fdeConfigCheckCmd)
	fdeConfigCmd.AddCommand(fdeConfigDumpCmd)
}
