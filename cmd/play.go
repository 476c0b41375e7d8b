package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var playEmail string

var playCmd = &cobra.Command{
	Use:   "play [recording-id]",
	Short: "Play a saved recording through the output device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := args[0]

		app, err := openFull(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize service: %w", err)
		}
		defer app.Close()

		owner, err := resolveOwner(ctx, app.store, ownerEmail(playEmail))
		if err != nil {
			return err
		}

		rec, err := app.service.GetRecording(ctx, owner, id)
		if err != nil {
			return fmt.Errorf("failed to fetch recording: %w", err)
		}
		fmt.Printf("Playing %q (%.1fs)\n", rec.Title, rec.Duration)

		if err := app.service.PlayRecording(ctx, owner, id); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-sigChan:
				fmt.Println()
				return app.service.PausePlayback()
			case <-ticker.C:
				status := app.service.GetPlaybackStatus()
				fmt.Printf("\r%6.1fs / %.1fs", status.PositionSeconds, status.DurationSeconds)
				if !status.Playing {
					fmt.Println()
					return nil
				}
			}
		}
	},
}

func init() {
	playCmd.Flags().StringVar(&playEmail, "email", "", "owner account email (or VOICENOTE_OWNER_EMAIL)")
}
