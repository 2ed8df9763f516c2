// Package main is the entry point for the routis CLI.
// It provides operator tooling for validating configuration and replaying
// routing decisions offline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/routisai/routis-oss/internal/governance"
	"github.com/routisai/routis-oss/pkg/config"
	"github.com/routisai/routis-oss/pkg/domain"
	"github.com/routisai/routis-oss/pkg/logging"
	"github.com/routisai/routis-oss/pkg/routing"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for routis
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "routis",
		Short: "Operator tooling for the routis routing engine",
		Long: `Operator tooling for the routis routing engine.

routis validates routing configuration and replays routing decisions against
a fresh engine, printing the full audit trail as JSON.

Example:
  routis validate -c config.yaml
  routis decide -c config.yaml -r request.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newDecideCmd())

	return rootCmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			registry, err := cfg.BuildRegistry()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration valid: %d profiles, default %q\n",
				len(registry.Profiles()), registry.DefaultProfile())
			return nil
		},
	}
}

func newDecideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Replay a routing decision for a request descriptor",
		Long: `Replay a routing decision for a request descriptor against a fresh
engine built from the configuration. All circuits start closed and all budgets
start empty, so the decision reflects configuration alone.`,
		RunE: runDecide,
	}
	cmd.Flags().StringP("request", "r", "", "Path to a YAML request descriptor")
	cmd.Flags().String("tier", string(domain.TierStandard), "Requested capability tier")
	cmd.Flags().String("size", string(domain.SizeMedium), "Payload size class")
	cmd.Flags().String("priority", string(domain.PriorityStandard), "Caller-declared priority")
	return cmd
}

func runDecide(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	req, err := loadRequest(cmd)
	if err != nil {
		return err
	}

	registry, err := cfg.BuildRegistry()
	if err != nil {
		return err
	}

	level, _ := cmd.Flags().GetString("log-level")
	logger := logging.NewLogger(logging.Config{Level: level, Pretty: true})

	health := governance.NewHealthRegistry(cfg.BuildHealthConfig())
	budget := cfg.BuildBudgetGuard(logger)
	engine := routing.NewEngine(registry, health, budget, logger)

	decision, err := engine.Route(context.Background(), req)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	return config.Load(path)
}

func loadRequest(cmd *cobra.Command) (domain.Request, error) {
	var req domain.Request

	path, err := cmd.Flags().GetString("request")
	if err != nil {
		return req, fmt.Errorf("failed to get request flag: %w", err)
	}

	if path != "" {
		//nolint:gosec // Request file path is supplied by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return req, fmt.Errorf("failed to read request file: %w", err)
		}
		if err := yaml.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("failed to parse request file: %w", err)
		}
		return req, nil
	}

	tier, _ := cmd.Flags().GetString("tier")
	size, _ := cmd.Flags().GetString("size")
	priority, _ := cmd.Flags().GetString("priority")
	req.Tier = domain.CapabilityTier(tier)
	req.Size = domain.SizeClass(size)
	req.Priority = domain.Priority(priority)
	return req, nil
}
