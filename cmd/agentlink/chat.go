package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentlink/internal/domain"
	"github.com/ashureev/agentlink/internal/room"
	"github.com/spf13/cobra"
)

func printMessage(out io.Writer, m domain.ChatMessage, names map[string]string) {
	from := m.FromAgentID
	if name, ok := names[from]; ok {
		from = name
	}
	fmt.Fprintf(out, "[%s] %s: %s\n", m.Timestamp.Local().Format(time.TimeOnly), from, m.Text)
}

// printer writes messages from room snapshots once each.
type printer struct {
	out io.Writer

	mu      sync.Mutex
	printed int
	typing  bool
}

func (p *printer) update(s room.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ; p.printed < len(s.Messages); p.printed++ {
		printMessage(p.out, s.Messages[p.printed], s.Names)
	}
	if s.AITyping && !p.typing {
		typing := s.TypingAgent
		if name, ok := s.Names[typing]; ok {
			typing = name
		}
		fmt.Fprintf(p.out, "  %s is typing...\n", typing)
	}
	p.typing = s.AITyping
}

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <session-id>",
		Short: "Join a session and chat interactively",
		Long: "Joins the session as its first agent. Each input line is sent and the other agent is asked to reply.\n" +
			"Commands: /ai triggers a reply, /end ends the session, /quit leaves.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.requireSession("chat"); err != nil {
					return err
				}
				p := &printer{out: cmd.OutOrStdout()}
				r := a.room(args[0], p.update)
				if err := r.Start(ctx); err != nil {
					return err
				}
				defer r.Stop()

				snap := r.Snapshot()
				fmt.Fprintf(p.out, "Joined %s (%s). Type /quit to leave.\n", snap.Session.SessionID, title(*snap.Session))
				return chatLoop(ctx, r, cmd.InOrStdin(), p.out)
			})
		},
	}
}

func chatLoop(ctx context.Context, r *room.Room, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			var err error
			switch strings.TrimSpace(line) {
			case "":
				continue
			case "/quit":
				return nil
			case "/ai":
				err = r.TriggerAI(ctx)
			case "/end":
				if err = r.End(ctx); err == nil {
					fmt.Fprintln(out, "Session ended.")
					return nil
				}
			default:
				err = r.Send(ctx, line)
			}
			if err != nil {
				fmt.Fprintln(out, "Error:", err)
			}
		}
	}
}

func newTranscriptCmd() *cobra.Command {
	var generate bool

	cmd := &cobra.Command{
		Use:   "transcript <session-id>",
		Short: "Show a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.requireSession("transcript"); err != nil {
					return err
				}
				r := a.room(args[0], nil)

				var (
					res *room.TranscriptResult
					err error
				)
				if generate {
					res, err = r.GenerateTranscript(ctx)
				} else {
					res, err = r.Transcript(ctx)
				}
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if !res.Available {
					fmt.Fprintf(out, "Transcript not available yet (%d messages). Use --generate to create it.\n", res.MessageCount)
					return nil
				}
				t := res.Transcript
				fmt.Fprintf(out, "%s & %s, %d messages\n",
					t.Transcript.SessionInfo.Agent1Name, t.Transcript.SessionInfo.Agent2Name, t.MessageCount)
				for _, line := range t.Transcript.Conversation {
					fmt.Fprintln(out, line)
				}
				if t.LedgerURL != "" {
					fmt.Fprintf(out, "Ledger: %s\n", t.LedgerURL)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&generate, "generate", false, "ask the backend to build the transcript first")
	return cmd
}
