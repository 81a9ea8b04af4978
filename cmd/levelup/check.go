package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"levelup/internal/app"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Parse and validate the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, words, err := app.Check(cfgPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config ok: %s\n", cfgPath)
		fmt.Fprintf(out, "  group:      %d\n", s.GroupID)
		fmt.Fprintf(out, "  session:    %s\n", s.Session)
		fmt.Fprintf(out, "  words:      %v (%s, %s-%s, %d entries)\n", s.Words.Enabled, s.Words.Mode, s.Words.Min, s.Words.Max, words)
		fmt.Fprintf(out, "  bonus:      %v (%s-%s)\n", s.Bonus.Enabled, s.Bonus.Min, s.Bonus.Max)
		fmt.Fprintf(out, "  challenges: %v (engine %s)\n", s.Challenges.Enabled, s.Recognition.Engine)
		fmt.Fprintf(out, "  boxes:      %v\n", s.Boxes)
		fmt.Fprintf(out, "  storage:    %s\n", s.Storage.Driver)
		return nil
	},
}
