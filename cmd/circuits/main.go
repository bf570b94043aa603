package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/circuits/internal/alert"
	"github.com/mpataki/circuits/internal/api"
	"github.com/mpataki/circuits/internal/config"
	"github.com/mpataki/circuits/internal/log"
	"github.com/mpataki/circuits/internal/models"
	"github.com/mpataki/circuits/internal/orchestrator"
	"github.com/mpataki/circuits/internal/spec"
	"github.com/mpataki/circuits/internal/storage"
	"github.com/mpataki/circuits/internal/timer"
	"github.com/mpataki/circuits/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "circuits",
		Short: "Circuit interval timer",
		Long:  "Circuits runs timed sequences of tasks and resumes them where you left off.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(cmd, 0)
		},
	}
	rootCmd.PersistentFlags().String("server", "", "Backend base URL (default: local database)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newImportCommand())
	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newExportCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newResetCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is what every command needs: config, backend and the run orchestrator.
type env struct {
	cfg    *config.Config
	store  api.Store
	logger *log.Logger
	orch   *orchestrator.Orchestrator
	close  func()
}

func setup(cmd *cobra.Command) (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("server") {
		cfg.Server, _ = cmd.Flags().GetString("server")
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logger, err := log.NewLogger(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	e := &env{cfg: cfg, logger: logger, close: func() {}}
	if cfg.Server != "" {
		e.store = api.NewClient(cfg.Server)
	} else {
		store, err := storage.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		e.store = store
		e.close = func() { store.Close() }
	}

	dispatcher := alert.New(
		alert.WithTone(alert.BellTone{W: os.Stderr}),
		alert.WithVibrator(alert.NewCommandVibrator(cfg.Alerts.VibrateCommand)),
		alert.WithLogger(logger),
	)
	e.orch = orchestrator.New(e.store,
		orchestrator.WithLogger(logger),
		orchestrator.WithAlerter(dispatcher),
		orchestrator.WithSyncTimeout(cfg.SyncTimeout()),
	)
	return e, nil
}

func runTUI(cmd *cobra.Command, circuitID int64) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	settings, err := alertSettings(cmd, e.cfg)
	if err != nil {
		return err
	}

	app := tui.NewApp(e.orch, settings)
	if circuitID != 0 {
		app.OpenAtStart(circuitID)
	}
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

// alertSettings starts from the config file and applies the run flags.
func alertSettings(cmd *cobra.Command, cfg *config.Config) (timer.AlertSettings, error) {
	settings := cfg.AlertSettings()
	flags := cmd.Flags()
	if flags.Lookup("finish-action") == nil {
		return settings, nil
	}
	if flags.Changed("finish-action") {
		raw, _ := flags.GetString("finish-action")
		action, err := models.ParseFinishAction(raw)
		if err != nil {
			return settings, err
		}
		settings.FinishAction = action
	}
	if off, _ := flags.GetBool("no-countdown-sound"); off {
		settings.CountdownSound = false
	}
	if on, _ := flags.GetBool("countdown-vibration"); on {
		settings.CountdownVibration = true
	}
	return settings, nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid circuit ID: %w", err)
	}
	return id, nil
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <circuit-id>",
		Short: "Run a circuit, resuming a stored session if there is one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			headless, _ := cmd.Flags().GetBool("headless")
			if !headless {
				return runTUI(cmd, id)
			}
			return runHeadless(cmd, id)
		},
	}

	cmd.Flags().Bool("headless", false, "Run without the TUI, printing progress")
	cmd.Flags().String("finish-action", "", "Alert when a step ends: sound, vibration, both or none")
	cmd.Flags().Bool("no-countdown-sound", false, "Disable the countdown beep")
	cmd.Flags().Bool("countdown-vibration", false, "Vibrate during the countdown")
	return cmd
}

func runHeadless(cmd *cobra.Command, id int64) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	settings, err := alertSettings(cmd, e.cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := e.orch.Open(ctx, id, settings, func(err error) {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	})
	if err != nil {
		return err
	}
	return headless(ctx, run, os.Stdout, 2*e.cfg.SyncTimeout())
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local database over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}
			addr := cfg.Serve.Addr
			if cmd.Flags().Changed("addr") {
				addr, _ = cmd.Flags().GetString("addr")
			}

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			srv := api.NewServer(addr, store)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()
			fmt.Printf("Serving %s on http://%s/api\n", cfg.DBPath, addr)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SyncTimeout())
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().String("addr", "", "Listen address (default from config, 127.0.0.1:8420)")
	return cmd
}

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file|dir]",
		Short: "Import circuit definitions (yaml, json or lua)",
		Long: "Import one definition file, every definition in a directory, or with no argument the user and project circuit directories.\n" +
			"Directory imports skip names that already exist, so running them again is safe.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			if len(args) == 1 && !isDir(args[0]) {
				def, err := e.orch.Import(cmd.Context(), args[0])
				if def != nil {
					printScriptLogs(def)
				}
				if err != nil {
					return fmt.Errorf("import failed: %w", err)
				}
				c := def.Circuit
				fmt.Printf("Imported #%d %s (%d tasks)\n", c.ID, c.Name, len(c.Tasks))
				return nil
			}

			dirs := e.cfg.CircuitDirs()
			if len(args) == 1 {
				dirs = args
			}
			report, err := e.orch.ImportDirs(cmd.Context(), dirs)
			if report != nil {
				for _, def := range report.Imported {
					printScriptLogs(def)
					c := def.Circuit
					fmt.Printf("Imported #%d %s (%d tasks)\n", c.ID, c.Name, len(c.Tasks))
				}
				for _, def := range report.Skipped {
					printScriptLogs(def)
					fmt.Printf("Skipped %s: a circuit named %q already exists\n", def.Path, def.Circuit.Name)
				}
			}
			if err != nil {
				return fmt.Errorf("import failed: %w", err)
			}
			if len(report.Imported) == 0 && len(report.Skipped) == 0 {
				fmt.Println("No definitions found.")
			}
			return nil
		},
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// printScriptLogs shows what a Lua definition passed to log().
func printScriptLogs(def *spec.Definition) {
	for _, msg := range def.Logs {
		fmt.Printf("%s: %s\n", def.Path, msg)
	}
}

func newUpdateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "update <circuit-id> <file>",
		Short: "Replace a circuit's name, description and tasks from a definition file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			def, err := e.orch.UpdateCircuit(cmd.Context(), id, args[1])
			if def != nil {
				printScriptLogs(def)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Updated #%d %s (%d tasks)\n", id, def.Circuit.Name, len(def.Circuit.Tasks))
			return nil
		},
	}
}

func newExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <circuit-id>",
		Short: "Write a circuit's definition so it can be edited and imported again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")
			output, _ := cmd.Flags().GetString("output")

			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			data, err := e.orch.Export(cmd.Context(), id, format)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			fmt.Printf("Exported #%d to %s\n", id, output)
			return nil
		},
	}

	cmd.Flags().StringP("format", "f", "json", "Output format: json or yaml")
	cmd.Flags().StringP("output", "o", "", "File to write (default stdout)")
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List circuits",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			circuits, err := e.orch.ListCircuits(cmd.Context())
			if err != nil {
				return err
			}

			if len(circuits) == 0 {
				fmt.Println("No circuits found.")
				return nil
			}

			for _, c := range circuits {
				line := fmt.Sprintf("#%d %s [%d tasks, %s]", c.ID, c.Name, len(c.Tasks), tui.FormatClock(c.TotalSeconds()))
				if m := tui.ResumeMarker(c); m != "" {
					line += " (" + m + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List completed runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			runs, err := e.orch.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, r := range runs {
				fmt.Printf("#%d %s %s (%s)\n",
					r.ID, r.CircuitName, tui.FormatClock(r.TotalSeconds), storage.FormatTimeAgo(r.StartedAt))
			}
			return nil
		},
	}

	cmd.Flags().IntP("limit", "n", 20, "Number of runs to show")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <circuit-id>",
		Short: "Show a circuit and its stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			c, rs, err := e.orch.Status(cmd.Context(), id)
			if err != nil {
				return err
			}

			fmt.Printf("Circuit #%d: %s\n", c.ID, c.Name)
			if c.Description != "" {
				fmt.Printf("Description: %s\n", c.Description)
			}
			fmt.Printf("Total: %s\n", tui.FormatClock(c.TotalSeconds()))

			fmt.Println("\nTasks:")
			for i, t := range c.Tasks {
				fmt.Printf("  %d. %s [%s]\n", i+1, t.Name, tui.FormatClock(t.Duration))
			}

			if rs == nil {
				fmt.Println("\nNo stored session.")
				return nil
			}
			fmt.Printf("\nSession %s: %s\n", rs.ID, rs.Phase)
			if rs.StepIndex < len(c.Tasks) {
				fmt.Printf("  Step %d/%d %s, %s left\n",
					rs.StepIndex+1, len(c.Tasks), c.Tasks[rs.StepIndex].Name, tui.FormatClock(rs.RemainingSeconds))
			}
			fmt.Printf("  Updated %s\n", storage.FormatTimeAgo(rs.UpdatedAt))
			return nil
		},
	}
}

func newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <circuit-id>",
		Short: "Discard the stored session so the next run starts fresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.orch.ResetSession(cmd.Context(), id); err != nil {
				return err
			}

			fmt.Printf("Reset circuit #%d\n", id)
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <circuit-id>",
		Short: "Delete a circuit with its session and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.orch.DeleteCircuit(cmd.Context(), id); err != nil {
				return fmt.Errorf("failed to delete circuit: %w", err)
			}

			fmt.Printf("Deleted circuit #%d\n", id)
			return nil
		},
	}
}

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			var f log.Filter
			f.CircuitID, _ = cmd.Flags().GetInt64("circuit")
			f.Event, _ = cmd.Flags().GetString("type")
			f.Last, _ = cmd.Flags().GetInt("limit")

			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			events, err := e.orch.Events(f)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", e.logger.Path(), err)
			}
			if len(events) == 0 {
				fmt.Println("No events found.")
				return nil
			}
			for _, ev := range events {
				fmt.Println(ev.String())
			}
			return nil
		},
	}

	cmd.Flags().Int64("circuit", 0, "Only events for this circuit ID")
	cmd.Flags().String("type", "", "Only events of this type, e.g. run_finished")
	cmd.Flags().IntP("limit", "n", 50, "Show the newest n events (0 for all)")
	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config.yaml to the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			dir, err := config.DataDir()
			if err != nil {
				return err
			}
			path, err := config.Init(dir, force)
			if errors.Is(err, config.ErrExists) {
				return fmt.Errorf("%w (use --force to overwrite)", err)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")

	cmd.AddCommand(initCmd)
	return cmd
}
