package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dsyorkd/fleet-controller/internal/agent"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/pkg/discovery"
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
	Use:   "fleet-agent",
	Short: "Fleet Agent - node-side helper for Fleet Controller",
	Long: `Fleet Agent runs on fleet nodes. It reports local metrics in the format
the controller's health probe parses and advertises the node over mDNS so
the controller can register it.`,
	SilenceUsage: true,
}

var (
	logLevel  string
	logFormat string
	cpuWindow time.Duration
	diskPath  string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (json, text)")
	rootCmd.PersistentFlags().DurationVar(&cpuWindow, "cpu-window", time.Second, "CPU measurement window")
	rootCmd.PersistentFlags().StringVar(&diskPath, "disk-path", "/", "filesystem reported by the disk metric")

	advertiseCmd.Flags().String("service", "", "service name published in the TXT records")
	advertiseCmd.Flags().Int("ssh-port", 22, "SSH port the controller should use")
	advertiseCmd.Flags().String("service-type", "", "mDNS service type (default _fleet-node._tcp)")
	advertiseCmd.Flags().String("interface", "", "network interface to advertise on")
	advertiseCmd.Flags().Duration("refresh", 5*time.Minute, "how often TXT records are refreshed")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sampleCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(advertiseCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Fleet Agent %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
	},
}

var sampleCmd = &cobra.Command{
	Use:       "sample <cpu|memory|uptime|disk|load>",
	Short:     "Print a single metric as a plain number",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"cpu", "memory", "uptime", "disk", "load"},
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := agent.ParseMetric(args[0])
		if err != nil {
			return err
		}
		sampler, err := newSampler()
		if err != nil {
			return err
		}
		v, err := sampler.Sample(cmd.Context(), m)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), agent.Format(m, v))
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print every metric as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		sampler, err := newSampler()
		if err != nil {
			return err
		}
		snap, err := sampler.Snapshot(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

var advertiseCmd = &cobra.Command{
	Use:   "advertise",
	Short: "Advertise this node over mDNS until interrupted",
	RunE:  runAdvertise,
}

func setupLogger() (*logger.Logger, error) {
	// Metrics go to stdout, so logs go to stderr.
	return logger.New(logger.Config{Level: logLevel, Format: logFormat, Output: "stderr"})
}

func newSampler() (*agent.Sampler, error) {
	log, err := setupLogger()
	if err != nil {
		return nil, err
	}
	return agent.NewSampler(cpuWindow, diskPath, log), nil
}

func runAdvertise(cmd *cobra.Command, args []string) error {
	log, err := setupLogger()
	if err != nil {
		return err
	}
	sampler := agent.NewSampler(cpuWindow, diskPath, log)

	service, _ := cmd.Flags().GetString("service")
	sshPort, _ := cmd.Flags().GetInt("ssh-port")
	serviceType, _ := cmd.Flags().GetString("service-type")
	iface, _ := cmd.Flags().GetString("interface")
	refresh, _ := cmd.Flags().GetDuration("refresh")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := discovery.DefaultAdvertiserConfig()
	cfg.Port = sshPort
	cfg.Interface = iface
	if serviceType != "" {
		cfg.ServiceType = serviceType
	}
	cfg.TXTRecords = sampler.TXTRecords(ctx, service, sshPort)

	advertiser := discovery.NewAdvertiser(cfg, logger.NewLogrusBridge(log, logLevel))
	if err := advertiser.Start(ctx); err != nil {
		return fmt.Errorf("failed to start advertiser: %w", err)
	}
	defer advertiser.Stop()

	log.WithFields(map[string]interface{}{
		"version":      version,
		"service_type": cfg.ServiceType,
		"port":         cfg.Port,
	}).Info("Advertising node")

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := advertiser.UpdateTXTRecords(sampler.TXTRecords(ctx, service, sshPort)); err != nil {
				log.WithError(err).Warn("Failed to refresh TXT records")
			}
		case <-ctx.Done():
			log.Info("Fleet Agent shutdown complete")
			return nil
		}
	}
}
