package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicenote/internal/service"
)

var (
	recordTitle string
	recordEmail string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a voice note from the microphone",
	Long: `Record from the configured capture device until interrupted, then save
the take to the owner's library under the given title.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		slog.Info("Record command started", "title", recordTitle)

		app, err := openFull(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize service: %w", err)
		}
		defer app.Close()

		owner, err := resolveOwner(ctx, app.store, ownerEmail(recordEmail))
		if err != nil {
			return err
		}

		slog.Debug("Starting capture")
		if err := app.service.StartCapture(); err != nil {
			return fmt.Errorf("failed to start capture: %w", err)
		}
		if err := waitForRecording(app.service); err != nil {
			return err
		}

		slog.Info("Recording... Press Ctrl+C to stop and save")

		// Handle interruption
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

	waiting:
		for {
			select {
			case <-sigChan:
				break waiting
			case <-ticker.C:
				_, info := app.service.GetCaptureStatus()
				fmt.Printf("\rRecording: %6.1fs", info.ElapsedSeconds)
			}
		}
		fmt.Println()

		slog.Info("Stopping capture...")
		if err := app.service.StopCapture(); err != nil {
			return fmt.Errorf("failed to stop capture: %w", err)
		}

		recs, err := app.service.SaveRecording(ctx, owner, recordTitle)
		if err != nil {
			return fmt.Errorf("failed to save recording: %w", err)
		}

		saved := recs[0]
		fmt.Printf("Saved %q (%.1fs)\n  id:  %s\n  url: %s\n", saved.Title, saved.Duration, saved.ID, saved.AudioURL)
		return nil
	},
}

// waitForRecording blocks until the device request resolves either way.
func waitForRecording(svc service.Service) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, _ := svc.GetCaptureStatus()
		switch status {
		case service.StatusRecording:
			return nil
		case service.StatusFailed:
			if msg := svc.GetLastError(); msg != "" {
				return fmt.Errorf("capture failed: %s", msg)
			}
			return fmt.Errorf("capture failed while acquiring the device")
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for the capture device")
}

func init() {
	recordCmd.Flags().StringVarP(&recordTitle, "title", "t", "", "title for the saved recording (required)")
	recordCmd.Flags().StringVar(&recordEmail, "email", "", "owner account email (or VOICENOTE_OWNER_EMAIL)")
	recordCmd.MarkFlagRequired("title")
}
