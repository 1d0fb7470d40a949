package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tcmartin/routinerunner/pkg/app"
	"github.com/tcmartin/routinerunner/pkg/auth"
	"github.com/tcmartin/routinerunner/pkg/config"
	"github.com/tcmartin/routinerunner/pkg/credits"
	"github.com/tcmartin/routinerunner/pkg/engine"
	"github.com/tcmartin/routinerunner/pkg/logging"
	"github.com/tcmartin/routinerunner/pkg/navigator"
	"github.com/tcmartin/routinerunner/pkg/strategy"
)

// loadServerConfig reads the server configuration used by local commands
func loadServerConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if serverConfigPath != "" {
		loaded, err := config.LoadConfig(serverConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// localApp builds the services in-process. Logs go to stderr so command
// output stays parseable.
func localApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadServerConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewWithWriter(os.Stderr, logging.LogConfig{
		Level:  cfg.Logging.Level,
		Format: "text",
	})
	return app.New(ctx, cfg, logger)
}

func newTokenCmd() *cobra.Command {
	var (
		accountID string
		userID    string
		hours     int
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with the server's JWT secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig()
			if err != nil {
				return err
			}
			if hours <= 0 {
				hours = cfg.Auth.TokenExpiration
			}
			tok, err := auth.NewJWTService(cfg.Auth.JWTSecret, hours).GenerateToken(accountID, userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "Account ID (required)")
	cmd.Flags().StringVar(&userID, "user", "", "User ID")
	cmd.Flags().IntVar(&hours, "hours", 0, "Token lifetime in hours")
	cmd.MarkFlagRequired("account")
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		accountID  string
		inputs     []string
		inputsFile string
		grant      int64
		maxCredits int64
	)
	cmd := &cobra.Command{
		Use:   "run ROUTINE_FILE",
		Short: "Run a routine in-process and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			routine, err := navigator.LoadRoutineFile(args[0])
			if err != nil {
				return err
			}
			in, err := parseInputs(inputs, inputsFile)
			if err != nil {
				return err
			}

			a, err := localApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Credits.EnsureAccount(ctx, accountID); err != nil {
				return err
			}
			if grant > 0 {
				if _, err := a.Credits.GrantBonus(ctx, accountID, big.NewInt(grant), credits.SourceUser); err != nil {
					return err
				}
			}

			req := engine.RunRequest{
				RunID:     uuid.NewString(),
				AccountID: accountID,
				Config:    routine,
				Inputs:    in,
			}
			if maxCredits > 0 {
				req.Constraints = strategy.Constraints{MaxCredits: big.NewInt(maxCredits)}
			}
			res, runErr := a.Executor.Run(ctx, req)
			if res.RoutineID == "" && runErr != nil {
				return runErr
			}
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "local", "Account charged for the run")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Input as key=value; JSON values are decoded")
	cmd.Flags().StringVar(&inputsFile, "inputs-file", "", "JSON or YAML file of inputs")
	cmd.Flags().Int64Var(&grant, "grant", 0, "Credits to grant the account before running")
	cmd.Flags().Int64Var(&maxCredits, "max-credits", 0, "Credit budget for the run")
	return cmd
}

func newGraphCmd() *cobra.Command {
	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect routine files",
	}

	dotCmd := &cobra.Command{
		Use:   "dot ROUTINE_FILE",
		Short: "Print a routine as a Graphviz digraph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			routine, err := navigator.LoadRoutineFile(args[0])
			if err != nil {
				return err
			}
			dot, err := navigator.ExportDOT(routine)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), dot)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate ROUTINE_FILE",
		Short: "Check a routine against the schema and its graph rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			routine, err := navigator.LoadRoutineFile(args[0])
			if err != nil {
				return err
			}
			nav, err := navigator.Select(routine,
				navigator.NewGraphNavigator(nil),
				navigator.NewSingleStepNavigator(nil),
			)
			if err != nil {
				return err
			}
			starts, err := nav.AllStartLocations(cmd.Context(), routine)
			if err != nil {
				return err
			}
			id := starts[0].RoutineID
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (id %s)\n", args[0], id)
			return nil
		},
	}

	graphCmd.AddCommand(dotCmd, validateCmd)
	return graphCmd
}

func newGrantCmd() *cobra.Command {
	var purchase bool
	cmd := &cobra.Command{
		Use:   "grant ACCOUNT_ID AMOUNT",
		Short: "Grant credits directly in the configured ledger",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, ok := credits.ParseAmount(args[1])
			if !ok || amount.Sign() <= 0 {
				return fmt.Errorf("invalid amount %q", args[1])
			}

			ctx := cmd.Context()
			a, err := localApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Credits.EnsureAccount(ctx, args[0]); err != nil {
				return err
			}
			var entry credits.Entry
			if purchase {
				entry, err = a.Credits.Purchase(ctx, args[0], amount, "cli")
			} else {
				entry, err = a.Credits.GrantBonus(ctx, args[0], amount, credits.SourceScheduler)
			}
			if err != nil {
				return err
			}
			a.Logger.Info("credits granted", slog.String("entry_id", entry.ID))
			return printJSON(cmd, entry)
		},
	}
	cmd.Flags().BoolVar(&purchase, "purchase", false, "Record the grant as purchased credits instead of free credits")
	return cmd
}

// parseInputs merges an inputs file with key=value pairs. Values that parse
// as JSON keep their JSON type.
func parseInputs(pairs []string, file string) (map[string]interface{}, error) {
	inputs := map[string]interface{}{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read inputs file: %w", err)
		}
		if err := yaml.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("failed to parse inputs file: %w", err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", pair)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		inputs[key] = v
	}
	return inputs, nil
}
