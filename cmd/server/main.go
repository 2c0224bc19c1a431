package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/scribe/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scribe",
		Short: "Transcription project server",
		Long: `scribe stores transcription projects, splits their audio into editor tasks,
and runs diarization, recognition and alignment jobs on a remote speech service.

Configuration is read from .env, the YAML file named by SCRIBE_CONFIG_PATH,
and SCRIBE_* environment variables.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(operatorCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(addKeyCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(unlockProjectCmd())
	rootCmd.AddCommand(unlockTaskCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

// startApp loads and validates configuration and wires the services.
// Logs go to logOut unless a log file is configured.
func startApp(logOut io.Writer) (*app, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, closeLog := newLogger(cfg.Log.Level, cfg.Log.Path, logOut)
	a, err := newApp(cfg, logger)
	if err != nil {
		closeLog()
		return nil, nil, err
	}
	return a, func() {
		if err := a.Close(); err != nil {
			logger.Warn("database close failed", "error", err)
		}
		closeLog()
	}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := startApp(os.Stdout)
			if err != nil {
				return err
			}
			defer cleanup()

			addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
			httpServer := &http.Server{
				Addr:              addr,
				Handler:           a.handler(),
				ReadHeaderTimeout: 30 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				a.logger.Info("server listening", "addr", addr, "base_url", a.cfg.Server.BaseURL, "mcp", a.cfg.MCP.Enabled)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			select {
			case err := <-errc:
				if err != nil {
					return fmt.Errorf("server error: %w", err)
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a.logger.Info("shutting down")
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("shutdown error", "error", err)
			}
			if err := a.speech.Logout(shutdownCtx); err != nil {
				a.logger.Warn("speech service logout failed", "error", err)
			}
			return nil
		},
	}
}

func operatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "operator",
		Short: "Serve the operator tools over stdio (MCP)",
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol.
			a, cleanup, err := startApp(os.Stderr)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a.logger.Info("starting stdio transport", "auth", "disabled")
			if err := a.mcpServer("stdio").Run(ctx, &sdkmcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("stdio server error: %w", err)
			}
			return nil
		},
	}
}
