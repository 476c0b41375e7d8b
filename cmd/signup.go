package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicenote/internal/auth"
)

var (
	signupUsername string
	signupEmail    string
	signupPassword string
)

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create a VoiceNote account",
	Long: `Create an account in the configured database. The same account signs
in to the web UI and owns the recordings made from this CLI.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.Auth.Secret == "" {
			return fmt.Errorf("auth.secret is not configured; run 'voicenote config init' to generate one")
		}

		password := signupPassword
		if password == "" {
			password = os.Getenv("VOICENOTE_PASSWORD")
		}
		if password == "" {
			fmt.Print("Password (min 8 characters): ")
			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}

		app, err := openLibrary(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open library: %w", err)
		}
		defer app.Close()

		authenticator, err := auth.NewAuthenticator(app.store, cfg.Auth.Secret)
		if err != nil {
			return fmt.Errorf("failed to create authenticator: %w", err)
		}

		sess, err := authenticator.SignUp(ctx, signupUsername, signupEmail, password)
		if err != nil {
			return fmt.Errorf("sign-up failed: %w", err)
		}

		fmt.Printf("Account created for %s\n  user id: %s\n", sess.Email, sess.UserID)
		fmt.Printf("Use --email %s with the record/list/play/delete commands.\n", sess.Email)
		return nil
	},
}

func init() {
	signupCmd.Flags().StringVarP(&signupUsername, "username", "u", "", "display name (required)")
	signupCmd.Flags().StringVar(&signupEmail, "email", "", "account email (required)")
	signupCmd.Flags().StringVar(&signupPassword, "password", "", "password (or VOICENOTE_PASSWORD, or prompted)")
	signupCmd.MarkFlagRequired("username")
	signupCmd.MarkFlagRequired("email")
}
