package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var deleteEmail string

var deleteCmd = &cobra.Command{
	Use:   "delete [recording-id]",
	Short: "Delete a saved recording",
	Long: `Delete a recording's metadata row and its stored audio object. The row
is always removed; a failed object removal is reported but does not undo
the deletion.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := args[0]

		app, err := openLibrary(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open library: %w", err)
		}
		defer app.Close()

		owner, err := resolveOwner(ctx, app.store, ownerEmail(deleteEmail))
		if err != nil {
			return err
		}

		result, err := app.gateway.Delete(ctx, owner, id)
		if err != nil {
			return fmt.Errorf("failed to delete recording: %w", err)
		}

		fmt.Printf("Deleted %q\n", result.Removed.Title)
		if result.ObjectErr != nil {
			slog.Warn("Audio object could not be removed", "key", result.Removed.ObjectKey, "error", result.ObjectErr)
			fmt.Printf("Note: the stored audio object was not removed: %v\n", result.ObjectErr)
		}
		return nil
	},
}

func init() {
	deleteCmd.Flags().StringVar(&deleteEmail, "email", "", "owner account email (or VOICENOTE_OWNER_EMAIL)")
}
