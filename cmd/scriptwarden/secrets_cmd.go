package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	secretsTenantID string
	secretsValue    string
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Rotate, list, or clean up tenant secrets",
}

var secretsRotateCmd = &cobra.Command{
	Use:   "rotate <key>",
	Short: "Rotate a tenant secret, returning the new value",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretsRotate,
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's secret metadata (no plaintext)",
	RunE:  runSecretsList,
}

var secretsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Deactivate every expired secret across all tenants",
	RunE:  runSecretsCleanup,
}

func init() {
	for _, c := range []*cobra.Command{secretsRotateCmd, secretsListCmd} {
		c.Flags().StringVar(&secretsTenantID, "tenant", "", "tenant ID (required)")
		_ = c.MarkFlagRequired("tenant")
	}
	secretsRotateCmd.Flags().StringVar(&secretsValue, "value", "", "new plaintext value (generated if omitted)")
	secretsCmd.AddCommand(secretsRotateCmd, secretsListCmd, secretsCleanupCmd)
	rootCmd.AddCommand(secretsCmd)
}

func runSecretsRotate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	newValue, err := a.Secrets.Rotate(context.Background(), secretsTenantID, args[0], secretsValue)
	if err != nil {
		exitCode = 70
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "rotated %s: %s\n", args[0], newValue)
	return nil
}

func runSecretsList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	meta, err := a.Secrets.List(context.Background(), secretsTenantID)
	if err != nil {
		exitCode = 70
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

func runSecretsCleanup(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	n, err := a.Secrets.Cleanup(context.Background())
	if err != nil {
		exitCode = 70
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deactivated %d expired secret(s)\n", n)
	return nil
}
