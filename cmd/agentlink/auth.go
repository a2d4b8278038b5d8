package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/ashureev/agentlink/internal/domain"
	"github.com/spf13/cobra"
)

func newLoginCmd() *cobra.Command {
	var user, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("AGENTLINK_PASSWORD")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.auth.Authenticated() {
					if err := a.auth.SignOut(ctx); err != nil {
						return err
					}
				}
				id, err := a.auth.SignIn(ctx, domain.Credentials{EmailOrUsername: user, Password: password})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", id.Username)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "username or email (required)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (defaults to $AGENTLINK_PASSWORD)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.auth.SignOut(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
				return nil
			})
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.requireSession("whoami"); err != nil {
					return err
				}
				id := a.auth.Current()
				if refresh {
					var err error
					if id, err = a.auth.Refresh(ctx); err != nil {
						return err
					}
				}
				printIdentity(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "refresh the access token first")
	return cmd
}

func printIdentity(out io.Writer, id *domain.Identity) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Username:\t%s\n", id.Username)
	fmt.Fprintf(w, "Name:\t%s\n", id.DisplayName)
	fmt.Fprintf(w, "Email:\t%s\n", id.Email)
	fmt.Fprintf(w, "Status:\t%s\n", id.Status)
	fmt.Fprintf(w, "Account:\t%s\n", deref(id.AccountID, "-"))
	if id.Balance != nil {
		fmt.Fprintf(w, "Balance:\t%.2f\n", *id.Balance)
	} else {
		fmt.Fprintf(w, "Balance:\t-\n")
	}
	w.Flush()
}

func deref(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

func newRegisterCmd() *cobra.Command {
	var username, email, password, name string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a new user account",
		Long:  "Registers a user. Registration does not sign in; run 'agentlink login' afterwards.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("AGENTLINK_PASSWORD")
			}
			reg := domain.Registration{Username: username, Email: email, Password: password}
			if name != "" {
				reg.Tags = &domain.Tag{Key: "name", Value: name}
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				id, err := a.auth.SignUp(ctx, reg)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Registered %s\n", id.Username)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username (required)")
	cmd.Flags().StringVar(&email, "email", "", "email (required)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (defaults to $AGENTLINK_PASSWORD)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
