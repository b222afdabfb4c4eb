package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dsyorkd/fleet-controller/internal/api/middleware"
	"github.com/dsyorkd/fleet-controller/internal/errors"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single controller pass and print the report",
	Long: `Run one auto-scaling pass over every cluster and print the resulting
report as JSON. Useful when an external scheduler drives the controller.`,
	RunE: runTick,
}

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue an API bearer token",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	tickCmd.Flags().Duration("timeout", 5*time.Minute, "maximum duration of the pass")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}

func runTick(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadEnvironment()
	if err != nil {
		return err
	}

	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	report, tickErr := a.controller.Tick(ctx)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return errors.Wrapf(err, "failed to encode report")
	}
	return tickErr
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadEnvironment()
	if err != nil {
		return err
	}

	auth, err := middleware.NewAuthenticator(middleware.AuthConfig{
		Secret: []byte(cfg.API.JWTSecret),
		Issuer: cfg.API.JWTIssuer,
	}, log)
	if err != nil {
		return err
	}

	ttl, _ := cmd.Flags().GetDuration("ttl")
	token, err := auth.IssueToken(args[0], ttl)
	if err != nil {
		return errors.Wrapf(err, "failed to issue token")
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
