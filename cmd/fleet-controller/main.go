package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dsyorkd/fleet-controller/internal/config"
	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleet-controller",
	Short: "Fleet Controller - remote node fleet orchestration",
	Long: `Fleet Controller manages fleets of remote Linux hosts over SSH. It groups
nodes into clusters, keeps each cluster inside its size and CPU bounds,
and rolls payloads out across a cluster with bounded parallelism and
rollback.`,
	RunE: runServer,
}

var (
	configFile string
	logLevel   string
	logFormat  string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, text)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(tokenCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the controller loop",
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Fleet Controller %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
	},
}

// loadEnvironment reads configuration and builds the logger. Flags win over
// the file and the environment.
func loadEnvironment() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to load config")
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to create logger")
	}
	logger.SetDefault(log)
	return cfg, log, nil
}
