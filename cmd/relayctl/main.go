package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/logging"
	"chatsync/internal/outbound"
	"chatsync/internal/queue/transport"
	"chatsync/internal/store"
	"chatsync/internal/store/pg"
)

func main() {
	root := &cobra.Command{
		Use:   "relayctl",
		Short: "Operator tooling for the chat relay",
		Long:  "relayctl applies the schema, links patients to channel identities and inspects outbound tasks.",
	}

	root.AddCommand(migrateCmd())
	root.AddCommand(patientsCmd())
	root.AddCommand(tasksCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// withStore loads config, connects and runs fn with a signal-aware context.
func withStore(fn func(ctx context.Context, cfg config.CtlConfig, st *pg.Store) error) error {
	cfg := config.LoadCtl()
	logging.Init("relayctl", cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pg.NewPool(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()
	return fn(ctx, cfg, pg.New(db))
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, _ config.CtlConfig, st *pg.Store) error {
				if err := st.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
				return nil
			})
		},
	}
}

func patientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patients",
		Short: "Manage patient channel links",
	}

	var name, identity string
	link := &cobra.Command{
		Use:   "link <patient-id>",
		Short: "Create or update a patient and its channel identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, _ config.CtlConfig, st *pg.Store) error {
				return st.UpsertPatient(ctx, store.PatientUpsert{ID: args[0], Name: name, ChannelIdentity: identity})
			})
		},
	}
	link.Flags().StringVar(&name, "name", "", "display name")
	link.Flags().StringVar(&identity, "identity", "", "channel identity (Telegram chat id); empty unlinks")
	cmd.AddCommand(link)
	return cmd
}

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and recover outbound tasks",
	}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List outbound tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, _ config.CtlConfig, st *pg.Store) error {
				tasks, err := st.ListTasks(ctx, store.TaskFilter{
					Status: domain.TaskStatus(strings.ToUpper(status)),
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(tasks)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "PENDING, DELIVERED or FAILED")
	list.Flags().IntVar(&limit, "limit", 50, "maximum tasks to print")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Expire old PENDING tasks and republish stale ones once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg config.CtlConfig, st *pg.Store) error {
				tr, err := transport.Open(ctx, cfg.Queue, cfg.AWS, nil)
				if err != nil {
					return err
				}
				defer tr.Close()

				res, err := (&outbound.Sweeper{
					Store:          st,
					Publisher:      tr.Publisher,
					RepublishAfter: cfg.RepublishAfter,
					MaxAge:         cfg.PendingMaxAge,
					Batch:          cfg.SweepBatch,
				}).Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired=%d republished=%d failed=%d\n", res.Expired, res.Republished, res.Failed)
				return nil
			})
		},
	}

	cmd.AddCommand(list, sweep)
	return cmd
}
