package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/sessionsync/internal/middleware"
	"github.com/capitalize-ai/sessionsync/internal/synchronizer"
)

func init() {
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Print a session's messages with their derived statuses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := middleware.ValidateSessionID(args[0]); err != nil {
			return err
		}
		syncer, err := newSynchronizer(synchronizer.Options{})
		if err != nil {
			return err
		}

		sess := syncer.Open(args[0])
		if err := sess.Refresh(cmd.Context()); err != nil {
			return fmt.Errorf("fetch session: %w", err)
		}
		printMessages(os.Stdout, sess.Messages())
		return nil
	},
}
