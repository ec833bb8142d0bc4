// Command reminderd runs the Reminder Dispatcher daemon (§4.10): a
// fixed-cadence poll loop over due reminders, fenced by mark_reminder_sent
// and distributed-locked via Redis when run with more than one replica.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/familyassist/orchestrator/config"
	"github.com/familyassist/orchestrator/internal/reminder"
	"github.com/familyassist/orchestrator/internal/store"
	"github.com/familyassist/orchestrator/internal/telemetry"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:   "reminderd",
		Short: "Run the reminder dispatcher daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			return run(cfg)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer st.Close()

	logger := log.New(log.Writer(), "[reminderd] ", log.LstdFlags)
	tel := telemetry.New(cfg.Telemetry, logger)

	var rdb *redis.Client
	if addr := cfg.Storage.Redis.Addr(); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Storage.Redis.Password, DB: cfg.Storage.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", addr, err)
		}
	}

	notifier := reminder.NewHTTPNotifier(cfg.Reminder.OutboundWebhookURL, cfg.Reminder.OutboundTimeout)
	dispatcher := reminder.New(st, notifier, rdb, tel, cfg.Reminder)

	logger.Printf("polling every %s", cfg.Reminder.PollInterval)
	dispatcher.Start(ctx)
	return nil
}
