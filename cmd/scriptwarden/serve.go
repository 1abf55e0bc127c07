package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scriptwarden/broker/pkg/api"
	"github.com/scriptwarden/broker/pkg/auth"
	"github.com/scriptwarden/broker/pkg/broker"
	"github.com/scriptwarden/broker/pkg/validator"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP admin API and the sandbox callback bridge",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	keySet, err := auth.NewInMemoryKeySet()
	if err != nil {
		return err
	}
	jwtValidator := auth.NewJWTValidator(keySet)

	limits := validator.Limits{
		MaxLength:     a.Config.Validator.MaxLength,
		MaxComplexity: a.Config.Validator.MaxComplexity,
		MaxDepth:      a.Config.Validator.MaxDepth,
	}
	admin := api.NewHandler(a.Dispatcher, a.Scripts, a.Secrets, a.KillSwitch, limits)
	admin.Audit = a.Audit
	admin.AuditExport = a.AuditExport
	callback := broker.NewHandler(a.Broker)

	srv := api.NewServer(api.ServerConfig{
		Addr:        ":" + a.Config.Port,
		Admin:       admin,
		CallbackMux: callback,
		Validator:   jwtValidator,
		Registry:    a.Registry,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		slog.Info("scriptwarden: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return api.Shutdown(ctx, srv)
	}
}
