package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/ashureev/agentlink/internal/domain"
	"github.com/ashureev/agentlink/internal/pipeline"
	"github.com/spf13/cobra"
)

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Agent directory commands",
	}
	cmd.AddCommand(newAgentsListCmd())
	cmd.AddCommand(newAgentsCreateCmd())
	cmd.AddCommand(newAgentsShowCmd())
	return cmd
}

func newAgentsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your agents with profile and balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.requireSession("agents list"); err != nil {
					return err
				}
				agents, err := a.dir.ListAgents(ctx)
				if err != nil {
					return err
				}
				if len(agents) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No agents found.")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ACCOUNT\tNAME\tSTATUS\tVC\tBALANCE")
				for _, ag := range agents {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\n",
						ag.AccountID, ag.Name, ag.Status, ag.VCStatus, ag.Account.Balance)
				}
				return w.Flush()
			})
		},
	}
}

func newAgentsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <account-id>",
		Short: "Show one agent's profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.requireSession("agents show"); err != nil {
					return err
				}
				p := a.dir.Profile(ctx, args[0])
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "Account:\t%s\n", p.AccountID)
				fmt.Fprintf(w, "Name:\t%s\n", p.Name)
				fmt.Fprintf(w, "Description:\t%s\n", p.Description)
				fmt.Fprintf(w, "Purpose:\t%s\n", p.Purpose)
				fmt.Fprintf(w, "Type:\t%s / %s\n", p.Type, p.Category)
				fmt.Fprintf(w, "Capabilities:\t%s\n", strings.Join(p.Capabilities, ", "))
				fmt.Fprintf(w, "Status:\t%s\n", p.Status)
				fmt.Fprintf(w, "VC:\t%s\n", p.VCStatus)
				fmt.Fprintf(w, "DID:\t%s\n", p.DID)
				return w.Flush()
			})
		},
	}
}

func newAgentsCreateCmd() *cobra.Command {
	var form domain.AgentForm

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent: wallet, DID, profile and credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.requireSession("agents create"); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				last := pipeline.StageIdle
				p := a.pipeline(func(pr pipeline.Progress) {
					if pr.Stage != last && pr.State(pr.Stage).Loading {
						last = pr.Stage
						fmt.Fprintf(out, "  %s...\n", pr.Stage)
					}
				})

				pr, err := p.Run(ctx, form)
				if err != nil {
					if pr.AccountID != "" {
						fmt.Fprintf(out, "Partial agent %s left behind (DID %q)\n", pr.AccountID, pr.DID)
					}
					return err
				}
				fmt.Fprintf(out, "Created agent %s (%s)\n", pr.AccountID, pr.DID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&form.Name, "name", "", "agent name (required)")
	cmd.Flags().StringVar(&form.Description, "description", "", "agent description (required)")
	cmd.Flags().StringVar(&form.URL, "url", "", "agent URL, http or https (required)")
	cmd.Flags().StringVar(&form.Purpose, "purpose", "", "agent purpose (required)")
	cmd.Flags().StringSliceVar(&form.Capabilities, "capability", nil, "capability, repeatable (at least one)")
	cmd.Flags().StringVar(&form.Type, "type", "", "agent type (required)")
	cmd.Flags().StringVar(&form.Category, "category", "", "agent category (required)")
	return cmd
}
