// Command coevolve runs the co-evolutionary learning loop: a challenger that
// generates tasks and a solver pool whose disagreement steers both the
// curriculum and the challenger's policy.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridian-labs/coevolve/config"
	"github.com/meridian-labs/coevolve/internal/loop"
	"github.com/meridian-labs/coevolve/internal/server"
	"github.com/meridian-labs/coevolve/internal/store"
)

func main() {
	root := &cobra.Command{Use: "coevolve"}
	root.SilenceUsage = true

	var cfgPath string
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	var cycles int
	var domain string
	run := &cobra.Command{
		Use:   "run",
		Short: "Run the learning loop with the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cycles > 0 {
				return runFixed(cfgPath, cycles, domain)
			}
			return runLoop(cfgPath, true)
		},
	}
	run.Flags().IntVar(&cycles, "cycles", 0, "run this many cycles then exit (0 = continuous)")
	run.Flags().StringVar(&domain, "domain", "", "pin one-shot cycles to a domain")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API without the continuous loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(cfgPath, false)
		},
	}

	var direction string
	var steps int
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply cycle archive migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if !cfg.Storage.Postgres.Enabled {
				return fmt.Errorf("storage.postgres is not enabled")
			}
			return store.Migrate(cfg.Storage.Postgres.DSN(), direction, steps)
		},
	}
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	var subject string
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is not configured")
			}
			tok, err := server.IssueToken([]byte(cfg.Server.JWTSecret), subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().StringVar(&subject, "subject", "operator", "token subject")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	var bearer string
	status := &cobra.Command{
		Use:   "status",
		Short: "Query a running loop's status endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return printStatus(cfg.Server.Address, bearer)
		},
	}
	status.Flags().StringVar(&bearer, "token", "", "bearer token for the API")

	root.AddCommand(run, serve, migrate, token, status)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// runFixed executes a fixed number of cycles without the HTTP server, then
// prints the final status report.
func runFixed(cfgPath string, cycles int, domain string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.runner.Restore(ctx); err != nil {
		return err
	}

	for i := 0; i < cycles; i++ {
		if ctx.Err() != nil {
			break
		}
		if domain != "" {
			d, err := loop.ParseDomain(domain)
			if err != nil {
				return err
			}
			_, err = a.orch.RunCycleForDomain(ctx, d)
			if err != nil {
				return err
			}
		} else if _, err := a.orch.RunCycle(ctx); err != nil {
			return err
		}
	}

	out, err := json.MarshalIndent(a.orch.GetStatus(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runLoop(cfgPath string, withRunner bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.runner.Restore(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- a.server.Start() }()
	if withRunner {
		go func() { errCh <- a.runner.Run(ctx) }()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stop()
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = a.server.Shutdown(sctx)
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(sctx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	return nil
}

func printStatus(addr, bearer string) error {
	if len(addr) > 0 && addr[0] == ':' {
		addr = "localhost" + addr
	}
	req, err := http.NewRequest("GET", "http://"+addr+"/api/status", nil)
	if err != nil {
		return err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, body)
	}
	var pretty json.RawMessage = body
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
