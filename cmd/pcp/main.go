package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pcpline/internal/app"
	"pcpline/internal/db"
	"pcpline/internal/domain"
	"pcpline/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "pcp",
	Short: "Maintenance production scheduling",
	Long: `pcp schedules maintenance work orders into sectors and tracks each entry through
its lifecycle: PROGRAMADA -> EM_ANDAMENTO -> AGUARDANDO_APROVACAO -> APROVADA.
- Workspace: a .pcp directory holding the SQLite store; pcp.yml next to it holds roles and notifications.
- Directory: sectors, collaborators and work orders, imported from YAML with 'pcp directory import'.
- Pendencies: open issues on a work order; an entry cannot be approved while one is open.
- Reports: status counts, cycle time, sector efficiency and collaborator rankings.
- Event log: every mutation is recorded, view with 'pcp log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Init(viper.GetString("log-level"), viper.GetString("log-format")); err != nil {
			return err
		}
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PCP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	// Values already in the environment win over the workspace .env file.
	if err := godotenv.Load(envPath(viper.GetString("workspace"))); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: read .env:", err)
	}
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/pcp.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "", "collaborator id acting on the schedule")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(pendencyCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(directoryCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(envCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) (err error) {
	a, err := app.Open(ctx, viper.GetString("workspace"), app.Options{ConfigPath: viper.GetString("config")})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}

func actorID() (string, error) {
	id := strings.TrimSpace(viper.GetString("actor-id"))
	if id == "" {
		return "", fmt.Errorf("--actor-id (or PCP_ACTOR_ID) is required")
	}
	return id, nil
}

func envPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".env")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printEntries(items []domain.ScheduleEntry, now time.Time) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Work order", "Sector", "Responsible", "Start", "End", "Status", "Display", "Priority"})
	for _, e := range items {
		tw.AppendRow(table.Row{
			e.ID, e.WorkOrderID, e.SectorID, deref(e.ResponsibleID),
			e.StartPlanned.Format(timeLayout), e.EndPlanned.Format(timeLayout),
			e.Status, domain.DisplayStatus(e, now), e.Priority,
		})
	}
	tw.Render()
	return nil
}

func printPendencies(items []domain.Pendency) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Work order", "Status", "Raised by", "Opened", "Description"})
	for _, p := range items {
		tw.AppendRow(table.Row{p.ID, p.WorkOrderID, p.Status, p.RaisedBy, p.OpenedAt.Format(timeLayout), p.Description})
	}
	tw.Render()
	return nil
}

const timeLayout = "2006-01-02 15:04"

// parseTime accepts RFC 3339 or "YYYY-MM-DD HH:MM" in UTC.
func parseTime(flag, v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, timeLayout, "2006-01-02T15:04", time.DateOnly} {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("--%s: invalid time %q", flag, v)
}

func parseID(arg string) (int64, error) {
	var id int64
	if _, err := fmt.Sscan(arg, &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
