package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicenote/internal/audio"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio devices",
	Long:  `List the capture and playback devices known to the audio backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := audio.NewBackend(cfg.Capture.Backend)
		if err != nil {
			return fmt.Errorf("failed to initialize audio backend: %w", err)
		}
		defer backend.Close()

		return listAvailableDevices(backend)
	},
}

// listAvailableDevices prints every device the backend can enumerate.
func listAvailableDevices(backend audio.Backend) error {
	fmt.Printf("🎵 Audio Devices (%s, backend: %s)\n", runtime.GOOS, backend.GetType())
	fmt.Printf("═══════════════════════════════════════\n\n")

	capture, err := backend.ListCaptureDevices()
	if err != nil {
		return fmt.Errorf("failed to list capture devices: %w", err)
	}
	fmt.Printf("📋 CAPTURE DEVICES (%d found):\n", len(capture))
	printDevices(capture)

	playback, err := backend.ListPlaybackDevices()
	if err != nil {
		return fmt.Errorf("failed to list playback devices: %w", err)
	}
	fmt.Printf("\n📋 PLAYBACK DEVICES (%d found):\n", len(playback))
	printDevices(playback)

	fmt.Printf("\n💡 Usage:\n")
	fmt.Printf("  • capture.device in the config matches against device names\n")
	fmt.Printf("  • Leave it empty to use the system default\n\n")

	return nil
}

func printDevices(devices []audio.DeviceInfo) {
	for i, dev := range devices {
		marker := ""
		if dev.IsDefault {
			marker = " (default)"
		}
		fmt.Printf("  %d. %s%s\n", i+1, dev.Name, marker)
	}
}
