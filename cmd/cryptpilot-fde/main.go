package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openanolis/cryptpilot/pkg/config"
	"github.com/openanolis/cryptpilot/pkg/log"
	"github.com/openanolis/cryptpilot/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if !types.IsClassified(err) {
		return 64
	}
	return types.ExitCode(err)
}

var rootCmd = &cobra.Command{
	Use:   "cryptpilot-fde",
	Short: "Cryptpilot full-disk-encryption boot tool",
	Long: `cryptpilot-fde drives the measured full-disk-encryption boot: it
unlocks and verifies the read-only rootfs, unlocks the writable data volume,
assembles the overlay root, and records every step in the attestation event
log. It runs from the initrd, staged by the init system.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Cryptpilot-fde version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", config.FdePath(config.DefaultDir), "FDE configuration file")
	rootCmd.PersistentFlags().String("metadata", "", "Boot metadata file (default /boot/cryptpilot/metadata.toml)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(bootServiceCmd)
	rootCmd.AddCommand(showReferenceValueCmd)
	rootCmd.AddCommand(fdeConfigCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
