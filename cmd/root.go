package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quietloop/steward/internal/config"
	"github.com/quietloop/steward/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/quietloop/steward/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "steward — personal assistant gateway",
	Long:  "Steward: the always-on orchestrator for a multi-channel personal AI assistant. Runs the message pipeline, policy engine, scheduler and channel adapters in one process.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.steward/config.json or $STEWARD_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("steward %s (bridge protocol %d)\n", Version, protocol.Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("STEWARD_CONFIG"); v != "" {
		return v
	}
	return config.DefaultConfigPath()
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
