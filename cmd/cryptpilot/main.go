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

// exitCode maps errors onto the exit code contract: 0 success, 1 config,
// 2 provider, 3 device, 4 attestation/verity, 64 usage.
func exitCode(err error) int {
	if !types.IsClassified(err) {
		return 64
	}
	return types.ExitCode(err)
}

var rootCmd = &cobra.Command{
	Use:   "cryptpilot",
	Short: "Cryptpilot - encrypted volume management for confidential computing",
	Long: `Cryptpilot provisions, unlocks and dismantles encrypted block volumes
whose keys are released against TEE attestation. Volumes are configured one
file per volume; keys come from a pluggable provider (KBS, KMS, OIDC, an
external program, or a one-time random key).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Cryptpilot version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config-dir", config.DefaultDir, "Configuration directory")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(autoOpenCmd)
	rootCmd.AddCommand(configCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func volumeDir() string {
	dir, _ := rootCmd.PersistentFlags().GetString("config-dir")
	return config.VolumeDir(dir)
}
