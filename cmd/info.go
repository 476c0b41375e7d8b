package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicenote/internal/config"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the resolved configuration and backends",
	Long:  `Display the resolved configuration: server address, capture format, database and storage backends, and where the config was read from.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := cfgFile
		if configPath == "" {
			configPath = config.DefaultPath()
		}

		fmt.Printf("=== CONFIG ===\n")
		fmt.Printf("config_file: %s\n", configPath)

		fmt.Printf("\n[Server]\n")
		fmt.Printf("host: %s\n", cfg.Server.Host)
		fmt.Printf("port: %d\n", cfg.Server.Port)

		fmt.Printf("\n[Capture]\n")
		fmt.Printf("backend: %s\n", cfg.Capture.Backend)
		fmt.Printf("device: %s\n", orDefault(cfg.Capture.Device, "(system default)"))
		fmt.Printf("sample_rate: %d\n", cfg.Capture.SampleRate)
		fmt.Printf("channels: %d\n", cfg.Capture.Channels)
		fmt.Printf("tap_size: %d\n", cfg.Capture.TapSize)

		fmt.Printf("\n[Waveform]\n")
		fmt.Printf("viewport: %dx%d\n", cfg.Waveform.Width, cfg.Waveform.Height)

		fmt.Printf("\n[Database]\n")
		fmt.Printf("driver: %s\n", cfg.Database.Driver)
		fmt.Printf("dsn: %s\n", cfg.Database.DSN)

		fmt.Printf("\n[Storage]\n")
		fmt.Printf("backend: %s\n", cfg.Storage.Backend)
		if cfg.Storage.Backend == "s3" {
			fmt.Printf("bucket: %s\n", cfg.Storage.Bucket)
			fmt.Printf("region: %s\n", cfg.Storage.Region)
			fmt.Printf("endpoint: %s\n", orDefault(cfg.Storage.Endpoint, "(aws default)"))
		} else {
			fmt.Printf("root: %s\n", cfg.Storage.Root)
		}
		fmt.Printf("public_base_url: %s\n", cfg.Storage.PublicBaseURL)

		fmt.Printf("\n[Auth]\n")
		if cfg.Auth.Secret == "" {
			fmt.Printf("secret: (not set - run 'voicenote config init')\n")
		} else {
			fmt.Printf("secret: (set)\n")
		}
		fmt.Printf("token_ttl: %s\n", orDefault(cfg.Auth.TokenTTL, "(default)"))

		fmt.Printf("\n[Log]\n")
		fmt.Printf("level: %s\n", cfg.Log.Level)
		fmt.Printf("file: %s\n", orDefault(cfg.Log.File, "(stderr only)"))

		return nil
	},
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
