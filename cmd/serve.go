package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/audiolibrelab/voicenote/internal/auth"
	"github.com/audiolibrelab/voicenote/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the VoiceNote web server",
	Long: `Start the web server hosting the recording UI and the JSON API.
Recordings are captured on this machine and stored in the configured
database and object store, namespaced per signed-in account.

The server will display the local network URL for easy access from mobile devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Server.Port = port
		}

		if cfg.Auth.Secret == "" {
			return fmt.Errorf("auth.secret is not configured; run 'voicenote config init' to generate one")
		}

		setupServeLogging()

		app, err := openFull(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize service: %w", err)
		}
		defer app.Close()

		authOpts := []auth.Option{}
		ttl, err := cfg.Auth.TTL()
		if err != nil {
			return err
		}
		if ttl > 0 {
			authOpts = append(authOpts, auth.WithTokenTTL(ttl))
		}
		authenticator, err := auth.NewAuthenticator(app.store, cfg.Auth.Secret, authOpts...)
		if err != nil {
			return fmt.Errorf("failed to create authenticator: %w", err)
		}

		srv, err := server.New(cfg, app.service, authenticator)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}

		slog.Info("VoiceNote web server starting", "port", cfg.Server.Port, "storage", cfg.Storage.Backend, "database", cfg.Database.Driver)

		// Start server (this blocks)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}

		return nil
	},
}

// setupServeLogging routes logs through a rotating file when one is
// configured, keeping stderr output alongside it.
func setupServeLogging() {
	if cfg.Log.File == "" {
		return
	}

	rotating := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
	}

	level := slog.LevelInfo
	if verboseLevel >= 1 || cfg.Log.Level == "debug" {
		level = slog.LevelDebug
	}
	switch cfg.Log.Level {
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, rotating), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	slog.Info("Logging to rotating file", "file", cfg.Log.File)
}

func init() {
	serveCmd.Flags().Int("port", 0, "port for the web server (overrides config)")
}
