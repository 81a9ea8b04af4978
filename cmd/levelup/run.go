package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"levelup/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bot until SIGINT or SIGTERM",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sigs := make(chan os.Signal, 2)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)

		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		if err := a.Start(context.Background()); err != nil {
			a.Stop(context.Background(), app.StopFatalError)
			return err
		}

		var reason app.StopReason
		select {
		case s := <-sigs:
			reason = app.StopSIGINT
			if s == syscall.SIGTERM {
				reason = app.StopSIGTERM
			}
		case <-a.Done():
			reason = app.StopFatalError
		}

		// A second signal skips the graceful drain.
		go func() {
			<-sigs
			fmt.Fprintln(os.Stderr, "forced exit")
			os.Exit(130)
		}()

		stopCtx, cancel := context.WithTimeout(context.Background(), a.Settings().Grace+5*time.Second)
		defer cancel()
		st := a.Stop(stopCtx, reason)

		if reason == app.StopFatalError {
			if err := a.Err(); err != nil {
				return err
			}
		}
		if code := st.Code(); code != 0 {
			return &exitError{code: code}
		}
		return nil
	},
}
