package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"levelup/internal/app"
	"levelup/internal/config"
	"levelup/internal/transport/mtproto"
)

// EnvPassword holds the two-step verification password, if the account has one.
const EnvPassword = "LEVELUP_TELEGRAM_PASSWORD"

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in the user session and write the session file",
	Long:  "login signs in the account named by telegram.user.phone. The login code is read from stdin.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := app.Check(cfgPath)
		if err != nil {
			return err
		}
		if s.Session != config.SessionUser {
			return fmt.Errorf("login needs telegram.mode %q, config has %q", config.SessionUser, s.Session)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		in := bufio.NewReader(cmd.InOrStdin())
		out := cmd.OutOrStdout()
		code := func(ctx context.Context) (string, error) {
			fmt.Fprint(out, "login code: ")
			line, err := in.ReadString('\n')
			if line = strings.TrimSpace(line); line != "" {
				return line, nil
			}
			if err == nil {
				err = errors.New("empty login code")
			}
			return "", err
		}
		if err := mtproto.Login(ctx, app.MTProtoConfig(s), os.Getenv(EnvPassword), code); err != nil {
			return err
		}
		fmt.Fprintf(out, "session saved: %s\n", s.User.SessionFile)
		return nil
	},
}
