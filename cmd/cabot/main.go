package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/cabot/internal/config"
	"github.com/stellarlinkco/cabot/internal/gateway"
	"github.com/stellarlinkco/cabot/internal/report"
	"github.com/stellarlinkco/cabot/internal/store"
	"github.com/stellarlinkco/cabot/internal/task"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "cabot",
	Short:         "cabot - corrective action task tracker for Telegram",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"gateway"},
	Short:   "Run the bot (polling + reminders + status API)",
	RunE:    runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show config and task counts",
	RunE:  runStatus,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export tasks to an Excel workbook",
	RunE:  runExport,
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage the system administrator",
}

var adminSetCmd = &cobra.Command{
	Use:   "set <user-id>",
	Short: "Make a registered user the administrator",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdminSet,
}

var adminShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current administrator",
	RunE:  runAdminShow,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

var (
	exportOut      string
	exportAssignee int64
	exportStatus   string
	adminForce     bool
)

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "tasks.xlsx", "Output file")
	exportCmd.Flags().Int64Var(&exportAssignee, "assignee", 0, "Only tasks of this assignee")
	exportCmd.Flags().StringVar(&exportStatus, "status", "", "Only tasks in this status (active, expired, on_review, completed)")
	adminSetCmd.Flags().BoolVar(&adminForce, "force", false, "Replace an existing administrator")
	adminCmd.AddCommand(adminSetCmd, adminShowCmd)
	rootCmd.AddCommand(serveCmd, onboardCmd, statusCmd, exportCmd, adminCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{Version: version})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(cmd.Context())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set telegram.token\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set CABOT_TELEGRAM_TOKEN (also read from ~/.cabot/.env)")
	fmt.Fprintln(out, "  3. Run 'cabot serve', then send /start in your group chat")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Token: %s\n", maskToken(cfg.Telegram.Token))
	fmt.Fprintf(out, "Timezone: %s\n", cfg.Timezone)
	fmt.Fprintf(out, "Review flow: %v\n", cfg.Tasks.ReviewFlow)
	fmt.Fprintf(out, "Reminders: every %s, scan %s\n", cfg.ReminderInterval(), cfg.Reminder.Schedule)
	fmt.Fprintf(out, "Status API: enabled=%v (%s:%d)\n", cfg.Gateway.Enabled, cfg.Gateway.Host, cfg.Gateway.Port)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Config problems: %v\n", err)
	}

	if _, err := os.Stat(cfg.Storage.DBPath); err != nil {
		fmt.Fprintf(out, "Database: not found (%s)\n", cfg.Storage.DBPath)
		return nil
	}
	fmt.Fprintf(out, "Database: %s\n", cfg.Storage.DBPath)

	s, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	ctx := cmd.Context()
	roles, err := s.CountPrincipals(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Users: %d admin, %d managers, %d assignees\n",
		roles[task.RoleAdmin], roles[task.RoleManager], roles[task.RoleAssignee])

	st, err := s.TaskStats(ctx, store.TaskFilter{}, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Tasks: %d total, %d active, %d expired, %d on review, %d completed\n",
		st.Total, st.Active, st.Expired, st.OnReview, st.Completed)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	now := time.Now()
	f := store.TaskFilter{AssigneeID: exportAssignee, Now: now}
	if exportStatus != "" {
		st, ok := task.ParseStatus(exportStatus)
		if !ok {
			return fmt.Errorf("unknown status %q", exportStatus)
		}
		f.Statuses = []task.Status{st}
	}
	tasks, err := s.ListTasks(cmd.Context(), f)
	if err != nil {
		return err
	}

	path, err := filepath.Abs(exportOut)
	if err != nil {
		return err
	}
	if err := report.ExportTasks(path, tasks, cfg.Location(), now); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d tasks to %s\n", len(tasks), path)
	return nil
}

func runAdminSet(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user id %q", args[0])
	}
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	return setAdmin(cmd.Context(), cmd.OutOrStdout(), s, id, adminForce)
}

func setAdmin(ctx context.Context, out io.Writer, s *store.Store, id int64, force bool) error {
	p, err := s.GetPrincipal(ctx, id)
	if err != nil {
		return fmt.Errorf("user %d: %w (they must send /start first)", id, err)
	}
	if force {
		if err := s.TransferAdmin(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s is now the administrator\n", p.Label())
		return nil
	}

	ok, err := s.BootstrapAdmin(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		current, err := s.Admin(ctx)
		if err != nil {
			return err
		}
		if current != nil && current.ID == id {
			fmt.Fprintf(out, "%s is already the administrator\n", p.Label())
			return nil
		}
		name := "someone else"
		if current != nil {
			name = current.Label()
		}
		return fmt.Errorf("administrator is already %s; use --force to replace", name)
	}
	fmt.Fprintf(out, "%s is now the administrator\n", p.Label())
	return nil
}

func runAdminShow(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	return showAdmin(cmd.Context(), cmd.OutOrStdout(), s)
}

func showAdmin(ctx context.Context, out io.Writer, s *store.Store) error {
	admin, err := s.Admin(ctx)
	if err != nil {
		return err
	}
	if admin == nil {
		fmt.Fprintln(out, "No administrator yet")
		return nil
	}
	fmt.Fprintf(out, "Administrator: %s (id %d)\n", admin.Label(), admin.ID)

	managers, err := s.ListPrincipals(ctx, store.PrincipalFilter{Roles: []task.Role{task.RoleManager}})
	if err != nil {
		return err
	}
	names := make([]string, 0, len(managers))
	for _, m := range managers {
		names = append(names, m.Label())
	}
	sort.Strings(names)
	fmt.Fprintf(out, "Managers: %d\n", len(names))
	for _, n := range names {
		fmt.Fprintf(out, "  - %s\n", n)
	}
	return nil
}

func openStore() (*store.Store, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	s, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

func maskToken(token string) string {
	switch {
	case token == "":
		return "not set"
	case len(token) > 8:
		return token[:4] + "..." + token[len(token)-4:]
	default:
		return "set"
	}
}
