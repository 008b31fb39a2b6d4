// Command gateway is the load balancer entry point.
//
// Usage:
//
//	gateway serve [--config path/to/gateway.yaml]
//	gateway version
//
// The gateway supports zero-downtime hot-reload: edit gateway.yaml while the
// process is running, or send the configured reload signal (SIGHUP by
// default), and changes to backends, strategy, sticky sessions, the overall
// proxy timeout, rate limiting and auth take effect without a restart.
// Listen addresses, HTTPS, admin, metrics, health-check settings, the reload
// signal and the upstream dial timeout are read only at startup.
// Shutdown is graceful: send SIGINT or SIGTERM and in-flight requests are
// given up to 10 seconds to complete.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information — set at build time via -ldflags.
//
//	-X main.version=$(git describe --tags --always)
//	-X main.commit=$(git rev-parse --short HEAD)
//	-X main.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "gateway",
	Short:         "Layer-7 HTTP(S) reverse-proxy load balancer",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(configPath)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gateway %s (commit %s, built %s)\n", version, commit, buildDate)
	},
}

func init() {
	// .env is optional; if present, its variables are loaded into the process
	// environment. config.Load reads gateway.yaml only and does not take
	// config values (e.g. auth.secret) from the environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: could not load .env: %v\n", err)
	}

	serveCmd.Flags().StringVar(&configPath, "config", "configs/gateway.yaml", "path to gateway.yaml")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
