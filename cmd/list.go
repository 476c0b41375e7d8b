package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listEmail string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved recordings, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		app, err := openLibrary(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open library: %w", err)
		}
		defer app.Close()

		owner, err := resolveOwner(ctx, app.store, ownerEmail(listEmail))
		if err != nil {
			return err
		}

		recs, err := app.gateway.List(ctx, owner)
		if err != nil {
			return fmt.Errorf("failed to list recordings: %w", err)
		}

		if len(recs) == 0 {
			fmt.Println("No recordings yet. Record one with 'voicenote record --title ...'")
			return nil
		}

		fmt.Printf("%-36s  %8s  %-19s  %s\n", "ID", "DURATION", "CREATED", "TITLE")
		for _, rec := range recs {
			fmt.Printf("%-36s  %7.1fs  %-19s  %s\n",
				rec.ID, rec.Duration, rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.Title)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listEmail, "email", "", "owner account email (or VOICENOTE_OWNER_EMAIL)")
}
