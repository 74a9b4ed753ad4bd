// Wfd-sinks lists the Wireless Display sinks around the host.
//
// Sinks are found with Wi-Fi Direct peer discovery, through NetworkManager
// or wpa_supplicant, and optionally with mDNS for Miracast over
// Infrastructure receivers.
//
// Usage:
//
//	wfd-sinks [command] [flags]
//
// See 'wfd-sinks --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/costinm/wfd-sinks/internal/config"
	"github.com/costinm/wfd-sinks/internal/logging"
	"github.com/costinm/wfd-sinks/internal/version"
)

var (
	configPath string
	logLevel   string
	backend    string
	iface      string
	enableMICE bool

	cfg *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logging.Sync()
}

var rootCmd = &cobra.Command{
	Use:   "wfd-sinks",
	Short: "Discover Wireless Display sinks",
	Long: `Discover Wi-Fi Display (Miracast) sinks.

Peers found by Wi-Fi Direct discovery that advertise WFD information
elements are reported as sinks. Discovery is restarted periodically.`,
	Version:           version.Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error), default "+logging.LogLevelEnvVar)
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "P2P backend: networkmanager or wpa_supplicant")
	rootCmd.PersistentFlags().StringVarP(&iface, "interface", "i", "", "Wi-Fi interface, default the first P2P capable one")
	rootCmd.PersistentFlags().BoolVar(&enableMICE, "mice", false, "Also browse _display._tcp over mDNS")

	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file, if any, and applies the flags on top.
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("backend") {
		cfg.Backend = backend
	}
	if flags.Changed("interface") {
		cfg.Interface = iface
	}
	if flags.Changed("mice") {
		cfg.MICE.Enabled = enableMICE
	}
	// WPA_DIR is only used without a config file.
	if d := os.Getenv("WPA_DIR"); d != "" && configPath == "" {
		cfg.WPA.Dir = d
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	return logging.Initialize(cfg.LogLevel)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("wfd-sinks %s (commit: %s)\n", version.Version, version.Commit)
	},
}
