package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/ashureev/agentlink/internal/chat"
	"github.com/ashureev/agentlink/internal/domain"
	"github.com/spf13/cobra"
)

func newRoomsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "Chat session commands",
	}
	cmd.AddCommand(newRoomsListCmd())
	cmd.AddCommand(newRoomsCreateCmd())
	cmd.AddCommand(newRoomsEndCmd())
	cmd.AddCommand(newRoomsShowCmd())
	return cmd
}

func newRoomsListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List chat sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.requireSession("rooms list"); err != nil {
					return err
				}
				sessions, err := a.registry.ListSessions(ctx, status)
				if err != nil {
					return err
				}
				if len(sessions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SESSION\tTITLE\tSTATUS\tMESSAGES\tCREATED")
				for _, s := range sessions {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
						s.SessionID, title(s), s.Status, s.MessageCount, s.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, ended)")
	return cmd
}

func title(s domain.ChatSession) string {
	if s.Metadata.SessionTitle != "" {
		return s.Metadata.SessionTitle
	}
	return chat.FormatTitle(s.AgentAID, s.AgentBID)
}

func newRoomsCreateCmd() *cobra.Command {
	var (
		topic      string
		skipVerify bool
	)

	cmd := &cobra.Command{
		Use:   "create <agent-a> <agent-b>",
		Short: "Start a chat session between two agents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.requireSession("rooms create"); err != nil {
					return err
				}
				if !skipVerify {
					if err := a.registry.Verify(ctx, args[0], args[1]); err != nil {
						return err
					}
				}
				created, err := a.registry.CreateSession(ctx, args[0], args[1], topic)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created session %s (%s)\n", created.SessionID, chat.FormatTitle(args[0], args[1]))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&topic, "topic", domain.TopicAgent2, "agent whose topic carries the session (agent1, agent2)")
	cmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "skip the DID and credential check")
	return cmd
}

func newRoomsEndCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end <session-id>",
		Short: "End a chat session and store its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.requireSession("rooms end"); err != nil {
					return err
				}
				if err := a.registry.EndSession(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Ended session %s\n", args[0])
				return nil
			})
		},
	}
}

func newRoomsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.requireSession("rooms show"); err != nil {
					return err
				}
				r := a.room(args[0], nil)
				if _, err := r.Load(ctx); err != nil {
					return err
				}
				snap := r.Snapshot()

				out := cmd.OutOrStdout()
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "Session:\t%s\n", snap.Session.SessionID)
				fmt.Fprintf(w, "Title:\t%s\n", title(*snap.Session))
				fmt.Fprintf(w, "Status:\t%s\n", snap.Session.Status)
				fmt.Fprintf(w, "Agents:\t%s, %s\n", snap.Session.AgentAID, snap.Session.AgentBID)
				fmt.Fprintf(w, "Messages:\t%d\n", len(snap.Messages))
				if err := w.Flush(); err != nil {
					return err
				}
				for _, m := range snap.Messages {
					printMessage(out, m, snap.Names)
				}
				return nil
			})
		},
	}
}
