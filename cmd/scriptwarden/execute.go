package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scriptwarden/broker/pkg/admission"
	"github.com/scriptwarden/broker/pkg/brokererr"
	"github.com/scriptwarden/broker/pkg/store"
	"github.com/spf13/cobra"
)

var (
	executeTenantID string
	executeActor    string
	executeContext  string
	executeTrigger  string
)

var executeCmd = &cobra.Command{
	Use:   "execute <script-id>",
	Short: "Dispatch a script's latest approved version",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecute,
}

func init() {
	executeCmd.Flags().StringVar(&executeTenantID, "tenant", "", "tenant ID (required)")
	executeCmd.Flags().StringVar(&executeActor, "actor", "cli", "invoker ID recorded on the execution log")
	executeCmd.Flags().StringVar(&executeContext, "context", "{}", "JSON object passed to the script as its request context")
	executeCmd.Flags().StringVar(&executeTrigger, "trigger", string(store.TriggerManual), "trigger label (api, manual, scheduled, event)")
	_ = executeCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(executeCmd)
}

func runExecute(cmd *cobra.Command, args []string) error {
	scriptID := args[0]

	var reqContext map[string]any
	if err := json.Unmarshal([]byte(executeContext), &reqContext); err != nil {
		exitCode = 2
		return fmt.Errorf("parse --context: %w", err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	script, err := a.Scripts.GetScript(ctx, scriptID)
	if err != nil || script == nil {
		exitCode = 3
		return fmt.Errorf("script %q not found", scriptID)
	}
	version, err := a.Scripts.LatestApproved(ctx, scriptID)
	if err != nil || version == nil {
		exitCode = 3
		return fmt.Errorf("script %q has no approved version", scriptID)
	}

	invoker := admission.Invoker{ID: executeActor, CanExecute: true}
	log, err := a.Dispatcher.Execute(ctx, script, version, executeTenantID, reqContext, store.Trigger(executeTrigger), invoker)
	if err != nil {
		exitCode = brokererr.KindOf(err).ExitCode()
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(log); err != nil {
		return err
	}

	if log.Status != store.StatusSuccess {
		exitCode = 4
	}
	return nil
}
