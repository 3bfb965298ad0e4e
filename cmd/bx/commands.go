package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"boxoffice/internal/config"
	"boxoffice/internal/db"
	"boxoffice/internal/domain"
	"boxoffice/internal/migrate"
	"boxoffice/internal/repo"
	"boxoffice/internal/server"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage boxoffice.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default boxoffice.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}
			project := viper.GetString("project")
			if project == "" {
				project = "boxoffice"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(project)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Server.JWTSecret = redact(cfg.Server.JWTSecret)
			for i := range cfg.Notify.AuditHooks {
				cfg.Notify.AuditHooks[i].Secret = redact(cfg.Notify.AuditHooks[i].Secret)
			}
			return printJSONOrTable(cfg)
		},
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, dialect, err := db.Open(db.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN, Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn, dialect); err != nil {
				return err
			}
			fmt.Printf("%s store is up to date\n", dialect)
			return nil
		},
	}
}

func txCmd() *cobra.Command {
	tx := &cobra.Command{
		Use:     "tx",
		Aliases: []string{"transaction"},
		Short:   "Inspect transactions",
	}
	tx.AddCommand(txListCmd())
	tx.AddCommand(txShowCmd())
	tx.AddCommand(txExpireCmd())
	return tx
}

func txListCmd() *cobra.Command {
	var f repo.TransactionFilter
	var typeOf, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				f.Project = viper.GetString("project")
				f.TypeOf = domain.TransactionType(typeOf)
				f.Status = domain.TransactionStatus(status)
				items, err := rt.Engine.Repo.ListTransactions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Agent", "Expires", "Tasks"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.TypeOf, t.Status, t.Agent.ID, t.Expires.Format(time.RFC3339), t.TasksExportationStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typeOf, "type", "", "PlaceOrder, ReturnOrder or MoneyTransfer")
	cmd.Flags().StringVar(&status, "status", "", "InProgress, Confirmed, Canceled or Expired")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func txShowCmd() *cobra.Command {
	var actions bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				txn, err := rt.Engine.Repo.GetTransaction(ctx, args[0])
				if err != nil {
					return err
				}
				if !actions {
					return printJSONOrTable(txn)
				}
				items, err := rt.Engine.Repo.ActionsByPurpose(ctx, domain.TransactionPurpose(txn), repo.ActionFilter{})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"transaction": txn, "actions": items})
			})
		},
	}
	cmd.Flags().BoolVar(&actions, "actions", false, "include the action ledger")
	return cmd
}

func txExpireCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Expire in-progress transactions past their deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				n, err := rt.Engine.Repo.MakeExpired(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"expired": n})
				}
				fmt.Printf("expired %d transaction(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum transactions per run")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Inspect and run follow-up tasks",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskRunCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilter
	var name, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				f.Project = viper.GetString("project")
				f.Name = domain.TaskName(name)
				f.Status = domain.TaskStatus(status)
				items, err := rt.Engine.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Runs At", "Tried", "Remaining"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Status, t.RunsAt.Format(time.RFC3339), t.NumberOfTried, t.RemainingNumberOfTries})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "task name filter")
	cmd.Flags().StringVar(&status, "status", "", "Ready, Running, Executed or Aborted")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task with its execution history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				t, err := rt.Engine.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskRunCmd() *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Export ended transactions and run due tasks once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				m := newManager(rt)
				for _, n := range names {
					name := domain.TaskName(n)
					if !name.Valid() {
						return fmt.Errorf("unknown task name %q", n)
					}
					m.Names = append(m.Names, name)
				}
				if err := m.ExportTasks(ctx); err != nil {
					return err
				}
				ran, err := m.RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"ran": ran})
				}
				fmt.Printf("ran %d task(s)\n", ran)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&names, "name", nil, "only run tasks with these names")
	return cmd
}

func orderCmd() *cobra.Command {
	order := &cobra.Command{
		Use:   "order",
		Short: "Inspect orders",
	}
	order.AddCommand(&cobra.Command{
		Use:   "show <order-number>",
		Short: "Show an order with its invoices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				o, err := rt.Engine.Repo.GetOrder(ctx, args[0])
				if err != nil {
					return err
				}
				invoices, err := rt.Engine.Repo.InvoicesByOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"order": o, "invoices": invoices})
			})
		},
	})
	return order
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit trail of every transaction, action, task, order and invoice change.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				f.Project = viper.GetString("project")
				events, err := rt.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS.Format(time.RFC3339), e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage project data"}
	prj.AddCommand(projectTeardownCmd())
	return prj
}

func projectTeardownCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "teardown",
		Short: "Delete every transaction, action, task, order and invoice of the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				project := rt.Config.Project.ID
				if !yes {
					return fmt.Errorf("teardown of project %s deletes its data; pass --yes to proceed", project)
				}
				counts, err := rt.Engine.Repo.DeleteProject(ctx, project, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				rt.Logger.Info("project torn down")
				return printJSONOrTable(counts)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the deletion")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		subject, partyType, name, email string
		roles                           []string
		ttl                             time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p := server.Principal{
				Agent: domain.Party{ID: subject, TypeOf: domain.PartyType(partyType), Name: name, Email: email},
				Roles: roles,
			}
			tok, err := server.SignToken(cfg.Server.JWTSecret, p, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "agent id")
	cmd.Flags().StringVar(&partyType, "type", string(domain.PartyPerson), "Person, Organization or WebApplication")
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&email, "email", "", "agent email")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles, e.g. operator")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}
