// Command gatewarden is a self-hosted WireGuard VPN control plane. It
// manages peer lifecycle on a kernel WireGuard interface, keeps the
// tunnel config file, kernel peer table, and a SQLite registry in
// agreement, and serves an administrative HTTP API with live telemetry.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kuuji/gatewarden/internal/config"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "gatewarden",
	Short: "Self-hosted WireGuard VPN control plane",
	Long: `gatewarden manages the peers of a kernel WireGuard interface: it
creates and revokes clients, hands out tunnel addresses, enforces
per-peer access profiles, and streams live traffic telemetry to an
administrative dashboard.

The WireGuard interface itself is owned by wg-quick; gatewarden only
manages its peer table and configuration file.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: /etc/gatewarden/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(qrCmd)
	rootCmd.AddCommand(genkeyCmd)
	rootCmd.AddCommand(resetPasswordCmd)
	rootCmd.AddCommand(versionCmd)
}

// resolvedConfigPath returns the --config flag value or the default.
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	return config.DefaultConfigPath
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gatewarden version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
