package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ashureev/agentlink/internal/domain"
	"github.com/ashureev/agentlink/internal/sandbox"
	"github.com/spf13/cobra"
)

func newSandboxCmd() *cobra.Command {
	var (
		addr string
		seed bool
	)

	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Run an in-memory backend for local development",
		Long: "Serves the REST and WebSocket API from memory. With --seed a demo user\n" +
			"(demo / demo) owning two verified agents is created.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if addr == "" {
				addr = cfg.Sandbox.Addr
			}

			sb := sandbox.New(sandbox.Options{
				JWTSecret: cfg.Sandbox.JWTSecret,
				TokenTTL:  cfg.Sandbox.TokenTTL,
				AIDelay:   cfg.Sandbox.AIDelay,
				Logger:    logger,
			})
			defer sb.Close()

			out := cmd.OutOrStdout()
			if seed {
				sb.SeedUser("demo", "demo@example.com", "demo", "Demo User")
				a := sb.SeedAgent("demo", domain.AgentProfile{Name: "Scout", Purpose: "Research"})
				b := sb.SeedAgent("demo", domain.AgentProfile{Name: "Scribe", Purpose: "Writing"})
				fmt.Fprintf(out, "Seeded user demo with agents %s and %s\n", a, b)
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			apiURL, chatURL, wsURL := sandbox.Endpoints("http://" + ln.Addr().String())
			fmt.Fprintf(out, "AGENTLINK_API_URL=%s\nAGENTLINK_CHAT_API_URL=%s\nAGENTLINK_WS_URL=%s\n", apiURL, chatURL, wsURL)

			srv := &http.Server{
				Handler:     sb.Handler(),
				ReadTimeout: 30 * time.Second,
				IdleTimeout: 120 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("Sandbox listening", "addr", ln.Addr().String())
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("sandbox server: %w", err)
				}
				return nil
			case <-cmd.Context().Done():
			}

			logger.Info("Shutting down sandbox")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			sb.Close()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("sandbox shutdown: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config sandbox.addr)")
	cmd.Flags().BoolVar(&seed, "seed", false, "create a demo user and two agents")
	return cmd
}
