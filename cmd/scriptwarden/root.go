package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitCode is set by leaf commands before returning from RunE, since
// cobra itself only distinguishes "errored" from "didn't" — grounded on
// the teacher's cmd/helm/main.go Run(args) returning an explicit int. An
// error returned with exitCode still zero exits 70.
var exitCode int

var configPath string

var rootCmd = &cobra.Command{
	Use:   "scriptwarden",
	Short: "scriptwarden is the script execution broker's CLI and server",
	Long: `scriptwarden validates, admits, dispatches, and supervises
per-tenant script executions against an out-of-process sandbox.

Core Commands:
  serve        Run the HTTP admin API and callback bridge
  execute      Dispatch an approved script version
  validate     Run the static validator against a source file
  kill-switch  Inspect or toggle the global kill-switch
  secrets      Rotate, list, or clean up tenant secrets`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "policy YAML file (optional; see config.LoadPolicy)")
}

func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "scriptwarden:", err)
	if exitCode != 0 {
		return exitCode
	}
	return 70
}
