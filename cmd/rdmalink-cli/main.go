package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmalink/cmd/rdmalink-cli/commands"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rdmalink-cli",
		Short: "rdmalink CLI - push container layers over RDMA",
		Long: `rdmalink-cli talks to rdmalinkd over RDMA.

It reads the same configuration as the daemon:
  --config rdmalink.yaml, or rdmalink.yaml in ., /etc/rdmalink, ~/.rdmalink

Or use environment variables:
  RDMALINK_RDMA_BACKEND
  RDMALINK_RDMA_DEVICE_NAME
  RDMALINK_CLIENT_PEER_ADDRESS
  RDMALINK_TRANSFER_COMPRESSION`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	commands.AddGlobalFlags(rootCmd)

	// Add sub-commands
	rootCmd.AddCommand(commands.NewDevicesCmd())
	rootCmd.AddCommand(commands.NewPushCmd())
	rootCmd.AddCommand(commands.NewLoopbackCmd())
	rootCmd.AddCommand(commands.NewConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
