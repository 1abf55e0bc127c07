package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var killSwitchReason string

var killSwitchCmd = &cobra.Command{
	Use:   "kill-switch",
	Short: "Inspect or toggle the global kill-switch",
}

var killSwitchStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the kill-switch is active",
	RunE:  runKillSwitchStatus,
}

var killSwitchActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Trip the kill-switch, halting all running executions",
	RunE:  runKillSwitchActivate,
}

var killSwitchDeactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Clear the kill-switch",
	RunE:  runKillSwitchDeactivate,
}

func init() {
	killSwitchActivateCmd.Flags().StringVar(&killSwitchReason, "reason", "manual activation via CLI", "reason recorded alongside the trip")
	killSwitchCmd.AddCommand(killSwitchStatusCmd, killSwitchActivateCmd, killSwitchDeactivateCmd)
	rootCmd.AddCommand(killSwitchCmd)
}

func runKillSwitchStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	active, reason, err := a.KillSwitch.Status(context.Background())
	if err != nil {
		exitCode = 70
		return err
	}
	if active {
		fmt.Fprintf(cmd.OutOrStdout(), "active: %s\n", reason)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "inactive")
	}
	return nil
}

func runKillSwitchActivate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.KillSwitch.Trip(context.Background(), killSwitchReason); err != nil {
		exitCode = 70
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "kill-switch activated")
	return nil
}

func runKillSwitchDeactivate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.KillSwitch.Deactivate(context.Background()); err != nil {
		exitCode = 70
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "kill-switch deactivated")
	return nil
}
