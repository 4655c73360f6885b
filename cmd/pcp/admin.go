package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"pcpline/internal/app"
	"pcpline/internal/config"
	"pcpline/internal/directory"
	"pcpline/internal/logger"
	"pcpline/internal/report"
	"pcpline/internal/repo"
	"pcpline/internal/server"
)

func reportCmd() *cobra.Command {
	rep := &cobra.Command{Use: "report", Short: "Dashboard reports"}
	rep.AddCommand(reportSummaryCmd())
	rep.AddCommand(reportOverdueCmd())
	return rep
}

func reportSummaryCmd() *cobra.Command {
	var from, to, sector string
	var rankLimit int
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Counts, cycle time, sector efficiency and rankings for a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			var w report.Window
			var err error
			if w.From, err = parseTime("from", from); err != nil {
				return err
			}
			if w.To, err = parseTime("to", to); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Reports.Summary(ctx, w, sector, rankLimit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("entries: %d  approved: %d  mean cycle: %s  on time: %.0f%% of %d delivered\n",
					s.Total, s.Approved, (time.Duration(s.MeanCycleSeconds) * time.Second).Round(time.Minute), s.OnTimeRate*100, s.Delivered)
				counts := newTable()
				counts.AppendHeader(table.Row{"Status", "Entries"})
				for status, n := range s.CountsByStatus {
					counts.AppendRow(table.Row{status, n})
				}
				counts.SortBy([]table.SortBy{{Name: "Status", Mode: table.Asc}})
				counts.Render()
				sectors := newTable()
				sectors.AppendHeader(table.Row{"Sector", "Entries", "Delivered", "On time", "Rejections", "Rework", "Efficiency"})
				for _, se := range s.Sectors {
					sectors.AppendRow(table.Row{se.SectorID, se.Entries, se.Delivered, pct(se.OnTimeRate), se.Rejections, pct(se.ReworkRate), pct(se.Efficiency)})
				}
				sectors.Render()
				ranks := newTable()
				ranks.AppendHeader(table.Row{"#", "Collaborator", "Approved", "Transitions"})
				for i, r := range s.Rankings {
					ranks.AppendRow(table.Row{i + 1, r.CollaboratorID, r.Approved, r.Transitions})
				}
				ranks.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "window start (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "window end (exclusive)")
	cmd.Flags().StringVar(&sector, "sector", "", "restrict to one sector")
	cmd.Flags().IntVar(&rankLimit, "rank-limit", 10, "rankings to show (0 for all)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func pct(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

func reportOverdueCmd() *cobra.Command {
	var sector string
	cmd := &cobra.Command{
		Use:   "overdue",
		Short: "Live entries past their planned end",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Reports.Overdue(ctx, sector)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Work order", "Sector", "Responsible", "End", "Status", "Late"})
				for _, o := range items {
					late := (time.Duration(o.LateSeconds) * time.Second).Round(time.Minute)
					tw.AppendRow(table.Row{o.ID, o.WorkOrderID, o.SectorID, deref(o.ResponsibleID), o.EndPlanned.Format(timeLayout), o.Status, late})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sector, "sector", "", "restrict to one sector")
	return cmd
}

func directoryCmd() *cobra.Command {
	dir := &cobra.Command{
		Use:   "directory",
		Short: "Sectors, collaborators and work orders",
	}
	dir.AddCommand(&cobra.Command{
		Use:   "import <file.yml>",
		Short: "Upsert directory records from YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := directory.ParseFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Directory.Import(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	dir.AddCommand(&cobra.Command{
		Use:   "sectors",
		Short: "List sectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListSectors(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	var sector string
	collaborators := &cobra.Command{
		Use:   "collaborators",
		Short: "List active collaborators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListCollaborators(ctx, sector)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Sector", "Role"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.SectorID, c.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	collaborators.Flags().StringVar(&sector, "sector", "", "sector filter")
	dir.AddCommand(collaborators)
	return dir
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "pcp.yml lists the roles allowed to schedule, approve and override sector checks, the report weights and the notification sinks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default pcp.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.Load(viper.GetString("workspace"))
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate pcp.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func envCmd() *cobra.Command {
	env := &cobra.Command{
		Use:   "env",
		Short: "Manage the workspace .env file",
	}
	env.AddCommand(&cobra.Command{
		Use:   "set <KEY> <VALUE>",
		Short: "Set a variable, e.g. PCP_ACTOR_ID or PCP_JWT_SECRET",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := envPath(viper.GetString("workspace"))
			vars, err := godotenv.Read(path)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if vars == nil {
				vars = map[string]string{}
			}
			vars[args[0]] = args[1]
			return godotenv.Write(vars, path)
		},
	})
	return env
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "schedule_entry or pendency")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func notificationsCmd() *cobra.Command {
	n := &cobra.Command{Use: "notifications", Short: "Notification delivery"}
	var limit int
	failures := &cobra.Command{
		Use:   "failures",
		Short: "List failed deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListNotificationFailures(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"TS", "Collaborator", "Kind", "Sink", "Error"})
				for _, f := range items {
					tw.AppendRow(table.Row{f.TS, f.CollaboratorID, f.Kind, f.Sink, f.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	failures.Flags().IntVar(&limit, "limit", 50, "number of failures")
	n.AddCommand(failures)
	return n
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API (needs PCP_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			token, err := server.SignToken(viper.GetString("jwt_secret"), actor, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "roles claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt_secret"),
				AllowLegacyActorHeader: legacyHeader,
				AllowDevLogin:          devLogin,
			}
			if authCfg.JWTSecret == "" && !legacyHeader {
				return fmt.Errorf("PCP_JWT_SECRET is required for bearer auth")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Reports:  a.Reports,
					Metrics:  a.Metrics,
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Printf("Serving PCP API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n",
					addr, basePath, strings.TrimRight(basePath, "/"))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept the unauthenticated X-Actor-Id header")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	return cmd
}
