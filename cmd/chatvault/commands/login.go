package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/chatvault/internal/cli/prompt"
	"github.com/marmos91/chatvault/pkg/config"
	"github.com/marmos91/chatvault/pkg/credentials"
)

// loginTimeout bounds the backend round-trips of a login attempt.
const loginTimeout = 30 * time.Second

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate against the storage backend",
	Long: `Prompts for backend credentials, verifies that the storage channel
is reachable, and caches the encrypted credentials in the data
directory. Run once per device.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := config.MustLoad(GetConfigFile())
		if err != nil {
			return err
		}
		if err := InitLogger(cfg); err != nil {
			return err
		}

		if _, err := os.Stat(cfg.CredentialsPath()); err == nil {
			ok, err := prompt.Confirm("Credentials already cached, log in again?", false)
			if err != nil || !ok {
				return err
			}
		}

		identity, err := prompt.InputRequired("Account identity (phone or email)")
		if err != nil {
			return promptErr(err)
		}
		apiIDStr, err := prompt.InputWithValidation("API ID", func(s string) error {
			_, convErr := strconv.ParseInt(s, 10, 64)
			return convErr
		})
		if err != nil {
			return promptErr(err)
		}
		apiID, _ := strconv.ParseInt(apiIDStr, 10, 64)
		apiHash, err := prompt.Password("API hash")
		if err != nil {
			return promptErr(err)
		}
		session, err := prompt.InputOptional("Session token (leave empty if unused)")
		if err != nil {
			return promptErr(err)
		}

		ctx, cancel := context.WithTimeout(ctx, loginTimeout)
		defer cancel()

		channel, closer, err := config.CreateChannel(ctx, cfg)
		if err != nil {
			return err
		}
		defer closer()

		channelID, err := channel.EnsureChannel(ctx, identity)
		if err != nil {
			return fmt.Errorf("failed to reach storage channel: %w", err)
		}

		creds := credentials.Credentials{
			APIID:     apiID,
			APIHash:   apiHash,
			Identity:  identity,
			Session:   session,
			ChannelID: channelID,
		}
		if err := credentials.Save(cfg.CredentialsPath(), creds); err != nil {
			return err
		}
		if err := os.WriteFile(identityPath(cfg), []byte(identity), 0o600); err != nil {
			return err
		}

		fmt.Printf("Logged in as %s (channel %d)\n", identity, channelID)
		return nil
	},
}

// promptErr turns an interrupted prompt into a quiet exit instead of an
// error trace.
func promptErr(err error) error {
	if prompt.IsAborted(err) {
		return nil
	}
	return err
}
