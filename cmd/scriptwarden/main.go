// Command scriptwarden is the broker's CLI and HTTP server entrypoint:
// serve, execute, validate, kill-switch, and secrets.
package main

import "os"

func main() {
	os.Exit(Run())
}

// Run executes the cobra command tree and returns the process exit code.
func Run() int {
	if err := rootCmd.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return exitCode
}
