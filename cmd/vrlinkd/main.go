// Package main provides vrlinkd, a daemon that runs either end of a vrlink
// stream session.
//
// The host side discovers a headset on the local network, schedules keyframes
// for the encoder and receives the play-area boundary. The headset side
// answers discovery, reports loss and uploads its boundary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by the run commands.
type globalFlags struct {
	configPath string
	device     string
	passphrase string
	adminAddr  string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "vrlinkd",
		Short: "Low-latency VR stream link daemon",
		Long: `vrlinkd runs one end of a VR stream link over UDP.

Run "vrlinkd host" on the machine that renders and encodes, and
"vrlinkd headset" on the display side. The two find each other by
broadcast discovery on the configured subnets.

Examples:
  vrlinkd host --config vrlink.toml
  vrlinkd headset --device quest --passphrase hunter2
  vrlinkd host --admin 127.0.0.1:9090`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to a TOML configuration file")
	pf.StringVar(&flags.device, "device", "", "Device name announced in the handshake")
	pf.StringVar(&flags.passphrase, "passphrase", "", "Pairing passphrase (overrides the file)")
	pf.StringVar(&flags.adminAddr, "admin", "", "Address for the admin HTTP server (overrides the file)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (overrides the file)")

	rootCmd.AddCommand(
		hostCmd(&flags),
		headsetCmd(&flags),
		versionCmd(),
	)
	return rootCmd
}
