package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
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
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gatehouse",
	Short: "Gatehouse - reverse proxy route and certificate controller",
	Long: `Gatehouse converges a declared set of service routes onto a running
reverse proxy, sourcing TLS certificates per host from operator-supplied
material or automatic ACME acquisition, and renewing them before expiry.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Gatehouse version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("admin", "localhost:9443", "Admin API address")
}
