package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/user"
	"text/tabwriter"
	"time"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/services"

	"github.com/spf13/cobra"
)

var (
	runOperator string
	runValues   string
	listAll     bool
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and run automation rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List automation rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		req := &services.RuleListRequest{Page: 1, PageSize: 100}
		if !listAll {
			enabled := true
			req.Enabled = &enabled
		}
		rules, total, err := a.service.ListRules(cmd.Context(), req)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTRIGGER\tACTION\tENABLED\tLAST RUN")
		for _, r := range rules {
			last := "-"
			if r.LastRunAt != nil {
				last = r.LastRunAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n", r.ID, r.Name, r.TriggerType, r.ActionKind, r.Enabled, last)
		}
		fmt.Fprintf(w, "\n%d rule(s)\n", total)
		return w.Flush()
	},
}

var rulesRunCmd = &cobra.Command{
	Use:   "run <rule-id>",
	Short: "Execute a rule immediately, ignoring its trigger and delay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var values map[string]interface{}
		if runValues != "" {
			if err := json.Unmarshal([]byte(runValues), &values); err != nil {
				return fmt.Errorf("--values must be a JSON object: %w", err)
			}
		}
		operator := runOperator
		if operator == "" {
			if u, err := user.Current(); err == nil {
				operator = u.Username
			}
		}

		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Automation.Enabled = true
		a, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Automation.ShutdownGrace)
			defer cancel()
			_ = a.engine.Shutdown(ctx)
		}()

		entry, err := a.service.RunRule(cmd.Context(), args[0], values, operator)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(entry); err != nil {
			return err
		}
		if entry.Status != "ok" {
			return fmt.Errorf("rule %s finished with status %s", args[0], entry.Status)
		}
		return nil
	},
}

func init() {
	rulesListCmd.Flags().BoolVar(&listAll, "all", false, "include disabled rules")
	rulesRunCmd.Flags().StringVar(&runOperator, "operator", "", "operator name recorded on the execution log (default: current user)")
	rulesRunCmd.Flags().StringVar(&runValues, "values", "", `extra context values as JSON, e.g. '{"task_id": 42}'`)
	rulesCmd.AddCommand(rulesListCmd, rulesRunCmd)
	rootCmd.AddCommand(rulesCmd)
}
