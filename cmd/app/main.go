package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/Lakakaku/brf-sub003/internal/app"
)

func main() {
	cmd := &cli.Command{
		Name:  "brfguard",
		Usage: "Tenant isolation gateway for shared cooperative data",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: ":8080",
				Usage: "HTTP listen address",
			},
			&cli.StringFlag{
				Name:  "db-path",
				Value: "./brfguard.sqlite",
				Usage: "SQLite file path",
			},
			&cli.StringFlag{
				Name:    "policy",
				Value:   "./configs/policy.json",
				Sources: cli.EnvVars("BRF_POLICY_PATH"),
				Usage:   "Isolation policy document",
			},
			&cli.DurationFlag{
				Name:    "audit-purge-interval",
				Value:   time.Hour,
				Sources: cli.EnvVars("BRF_AUDIT_PURGE_INTERVAL"),
				Usage:   "How often the audit retention purge runs",
			},
			&cli.DurationFlag{
				Name:    "monitor-interval",
				Value:   5 * time.Minute,
				Sources: cli.EnvVars("BRF_MONITOR_INTERVAL"),
				Usage:   "Continuous verification interval",
			},
			&cli.DurationFlag{
				Name:    "cycle-timeout",
				Sources: cli.EnvVars("BRF_CYCLE_TIMEOUT"),
				Usage:   "Per-cycle verification timeout (defaults to half the interval)",
			},
			&cli.StringFlag{
				Name:    "monitor-tenant-a",
				Sources: cli.EnvVars("BRF_MONITOR_TENANT_A"),
				Usage:   "First synthetic tenant for monitoring runs (enables the monitor together with monitor-tenant-b)",
			},
			&cli.StringFlag{
				Name:    "monitor-tenant-b",
				Sources: cli.EnvVars("BRF_MONITOR_TENANT_B"),
				Usage:   "Second synthetic tenant for monitoring runs",
			},
			&cli.StringFlag{
				Name:    "alert-webhook-url",
				Sources: cli.EnvVars("BRF_ALERT_WEBHOOK_URL"),
				Usage:   "Alert webhook target URL (falls back to log alerts when empty)",
			},
			&cli.StringFlag{
				Name:    "alert-webhook-secret",
				Sources: cli.EnvVars("BRF_ALERT_WEBHOOK_SECRET"),
				Usage:   "HMAC-SHA256 signing secret for outbound alert webhooks",
			},
			&cli.StringSliceFlag{
				Name:    "bootstrap-tenant",
				Sources: cli.EnvVars("BRF_BOOTSTRAP_TENANTS"),
				Usage:   "Tenant id to upsert as active at startup (repeatable)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := app.Config{
				Addr:               c.String("addr"),
				DBPath:             c.String("db-path"),
				PolicyPath:         c.String("policy"),
				AuditPurgeInterval: c.Duration("audit-purge-interval"),
				MonitorInterval:    c.Duration("monitor-interval"),
				CycleTimeout:       c.Duration("cycle-timeout"),
				MonitorTenantA:     c.String("monitor-tenant-a"),
				MonitorTenantB:     c.String("monitor-tenant-b"),
				AlertWebhookURL:    c.String("alert-webhook-url"),
				AlertWebhookSecret: c.String("alert-webhook-secret"),
				BootstrapTenants:   c.StringSlice("bootstrap-tenant"),
			}

			server, closer, err := app.NewServer(ctx, cfg)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			defer func() {
				if closeErr := closer.Close(); closeErr != nil {
					log.Printf("close resources: %v", closeErr)
				}
			}()

			errCh := make(chan error, 1)
			go func() {
				log.Printf("listening on %s", cfg.Addr)
				errCh <- server.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case sig := <-sigCh:
				log.Printf("received signal %s", sig)
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
