package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/tcmartin/routinerunner/pkg/engine"
	"github.com/tcmartin/routinerunner/pkg/models"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Save the server URL and token for later commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL == "" || token == "" {
				return fmt.Errorf("--server and --token are required")
			}
			if _, err := accountFromToken(token); err != nil {
				return err
			}
			if err := saveConfig(Config{ServerURL: serverURL, Token: token}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved credentials to %s\n", configPath)
			return nil
		},
	}
}

func newRunsCmd() *cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Start and inspect runs on the server",
	}

	var (
		inputs     []string
		inputsFile string
		wait       bool
		maxCredits int64
	)
	startCmd := &cobra.Command{
		Use:   "start ROUTINE_FILE",
		Short: "Start a run of a routine file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			routine, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read routine: %w", err)
			}
			in, err := parseInputs(inputs, inputsFile)
			if err != nil {
				return err
			}

			body := map[string]interface{}{
				"routine": string(routine),
				"inputs":  in,
				"wait":    wait,
			}
			if maxCredits > 0 {
				body["constraints"] = map[string]interface{}{"maxCredits": maxCredits}
			}

			if wait {
				var res engine.RunResult
				if err := c.do(http.MethodPost, "/api/v1/runs", body, &res); err != nil {
					return err
				}
				return printJSON(cmd, res)
			}
			var resp map[string]string
			if err := c.do(http.MethodPost, "/api/v1/runs", body, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp["id"])
			return nil
		},
	}
	startCmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Input as key=value; JSON values are decoded")
	startCmd.Flags().StringVar(&inputsFile, "inputs-file", "", "JSON or YAML file of inputs")
	startCmd.Flags().BoolVar(&wait, "wait", false, "Wait for the run to finish")
	startCmd.Flags().Int64Var(&maxCredits, "max-credits", 0, "Credit budget for the run")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List your runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var runs []models.RunStatus
			if err := c.do(http.MethodGet, "/api/v1/runs", nil, &runs); err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", r.ID, r.Status, r.StartTime.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show a run's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var run models.RunStatus
			if err := c.do(http.MethodGet, "/api/v1/runs/"+url.PathEscape(args[0]), nil, &run); err != nil {
				return err
			}
			return printJSON(cmd, run)
		},
	}

	logsCmd := &cobra.Command{
		Use:   "logs RUN_ID",
		Short: "Show a run's logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var logs []models.RunLog
			if err := c.do(http.MethodGet, "/api/v1/runs/"+url.PathEscape(args[0])+"/logs", nil, &logs); err != nil {
				return err
			}
			for _, l := range logs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s [%s] %s %s\n",
					l.Timestamp.Format("15:04:05.000"), l.Level, l.StepID, l.Message)
			}
			return nil
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel an active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.do(http.MethodDelete, "/api/v1/runs/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Run canceled")
			return nil
		},
	}

	runsCmd.AddCommand(startCmd, listCmd, statusCmd, logsCmd, cancelCmd)
	return runsCmd
}

func newCreditsCmd() *cobra.Command {
	creditsCmd := &cobra.Command{
		Use:   "credits",
		Short: "Credit balances and grants",
	}

	balanceCmd := &cobra.Command{
		Use:   "balance",
		Short: "Show your free, purchased and total credits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			accountID, err := accountFromToken(c.token)
			if err != nil {
				return err
			}
			var balances map[string]string
			if err := c.do(http.MethodGet, "/api/v1/accounts/"+url.PathEscape(accountID)+"/credits", nil, &balances); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "free:      %s\npurchased: %s\ntotal:     %s\n",
				balances["free"], balances["purchased"], balances["total"])
			return nil
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show your ledger entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			accountID, err := accountFromToken(c.token)
			if err != nil {
				return err
			}
			var entries []map[string]interface{}
			if err := c.do(http.MethodGet, "/api/v1/accounts/"+url.PathEscape(accountID)+"/credits/history", nil, &entries); err != nil {
				return err
			}
			return printJSON(cmd, entries)
		},
	}

	creditsCmd.AddCommand(balanceCmd, historyCmd, newGrantCmd())
	return creditsCmd
}

func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Show LLM provider health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var statuses []map[string]interface{}
			if err := c.do(http.MethodGet, "/api/v1/providers", nil, &statuses); err != nil {
				return err
			}
			return printJSON(cmd, statuses)
		},
	}
}
