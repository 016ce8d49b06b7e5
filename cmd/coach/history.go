package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"navyk-backend/internal/models"
	"navyk-backend/internal/repository"
)

var historyCmd = &cobra.Command{
	Use:   "history <coach>",
	Short: "Print the latest stored conversation with a coach",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := userFromToken(token)
		if err != nil {
			return err
		}

		store, err := repository.NewSQLiteChatSessionRepo(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		session, err := store.FindLatest(cmd.Context(), userID, args[0])
		if err != nil {
			return err
		}
		if session == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "No conversation with the %s coach yet.\n", args[0])
			return nil
		}

		msgs, err := models.DecodeChatMessages(session.MessagesJSON, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s, last updated %s\n", session.ID, session.UpdatedAt.Local().Format(time.RFC822))
		printTranscript(cmd.OutOrStdout(), args[0], msgs)
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := userFromToken(token)
		if err != nil {
			return err
		}

		store, err := repository.NewSQLiteChatSessionRepo(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		sessions, err := store.ListByUser(cmd.Context(), userID, 0)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No conversations yet.")
			return nil
		}
		for _, s := range sessions {
			fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s  %s\n", s.CoachID, s.UpdatedAt.Local().Format(time.RFC822), s.ID)
		}
		return nil
	},
}
