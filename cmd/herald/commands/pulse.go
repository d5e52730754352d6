package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/herald/am"
	"github.com/teranos/herald/internal/util"
	"github.com/teranos/herald/logger"
	"github.com/teranos/herald/pulse"
	"github.com/teranos/herald/server"
	"github.com/teranos/herald/sym"
)

// PulseCmd represents the pulse command - the scheduling daemon
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Manage the Pulse scheduling daemon",
	Long: sym.Pulse + ` Pulse daemon - scheduled campaign execution.

The Pulse daemon provides:
- Due-job triggering on a fixed cadence
- Bounded worker pool for workflow executions
- Recovery sweeps, workflow sync and history purge on cron cadences
- Ops HTTP API, Prometheus metrics and a live execution event stream
- Graceful shutdown (completes current jobs before exit)

Example:
  herald pulse start                # Start daemon in foreground
  herald pulse start --workers 4    # Start with 4 concurrent executions
  herald pulse status               # Show job counts
  herald pulse sweep                # Run the recovery sweeper once`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the Pulse daemon
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon",
	Long: `Start the Pulse daemon in foreground mode.

The daemon will:
- Recover jobs left running by a previous process
- Start the worker pool and the trigger ticker
- Schedule sweep, sync and purge maintenance
- Serve the ops API on server.port
- Run until interrupted (Ctrl+C) with graceful shutdown`,
	RunE: runPulseStart,
}

var pulseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduled job counts by status",
	RunE:  runPulseStatus,
}

var pulseSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the recovery sweeper once",
	Long: `Fail jobs stuck in running longer than pulse.stuck_threshold_seconds and
pending jobs never triggered within pulse.stale_pending_hours of their time.`,
	RunE: runPulseSweep,
}

func init() {
	PulseStartCmd.Flags().Int("workers", 0, "Number of concurrent executions (default: pulse.workers)")
	PulseStartCmd.Flags().Int("port", 0, "Ops API port (default: server.port)")
	PulseStartCmd.Flags().Bool("no-server", false, "Do not serve the ops API")
	pulseSweepCmd.Flags().String("at", "", "Sweep as of this RFC 3339 instant instead of now")

	PulseCmd.AddCommand(PulseStartCmd)
	PulseCmd.AddCommand(pulseStatusCmd)
	PulseCmd.AddCommand(pulseSweepCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Pulse.Workers = workers
	}
	port := cfg.GetServerPort()
	if p, _ := cmd.Flags().GetInt("port"); p > 0 {
		port = p
	}
	noServer, _ := cmd.Flags().GetBool("no-server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.Logger
	rt, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	fmt.Printf("%s Starting Pulse daemon with %d worker(s)...\n", sym.PulseOpen, cfg.Pulse.Workers)

	if err := rt.engine.Start(ctx, rt.runtimeConfig()); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer rt.engine.Stop()

	if path := am.ActiveConfigFile(); path != "" {
		watcher, err := am.NewConfigWatcher(path)
		if err != nil {
			log.Warnw("Config watcher disabled", "path", path, "error", err)
		} else {
			watcher.OnReload(am.ApplyDispatchToggles(rt.dispatcher))
			watcher.Start()
			am.SetGlobalWatcher(watcher)
			defer watcher.Stop()
		}
	}

	fmt.Printf("%s Pulse daemon started\n", sym.Pulse)
	fmt.Printf("  Workers: %d\n", cfg.Pulse.Workers)
	fmt.Printf("  Trigger interval: %v\n", cfg.Pulse.TickerInterval())
	fmt.Printf("  Business timezone: %s\n", rt.zone.Name())
	fmt.Printf("  Workflows: %s\n", cfg.Workflows.Dir)
	fmt.Printf("  Test mode: %v\n", cfg.Dispatch.TestMode)
	if !noServer {
		fmt.Printf("  Ops API: http://localhost:%d\n", port)
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	if noServer {
		<-ctx.Done()
	} else {
		srv, err := server.New(rt.serverDeps(), log.Named("server"))
		if err != nil {
			return err
		}
		if err := srv.ListenAndServe(ctx, port); err != nil {
			return err
		}
	}

	fmt.Printf("\n%s Initiating graceful shutdown...\n", sym.PulseClose)
	return nil
}

func runPulseStatus(cmd *cobra.Command, args []string) error {
	rt, err := cliRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	summary, err := rt.engine.GetStatusSummary(cmd.Context())
	if err != nil {
		return err
	}
	return renderSummary(summary)
}

func renderSummary(s pulse.StatusSummary) error {
	pterm.DefaultSection.Println(sym.Label(sym.Pulse) + " scheduled jobs")
	return pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Pending", "Running", "Completed", "Failed", "Cancelled", "Total"},
		{
			fmt.Sprint(s.Pending),
			fmt.Sprint(s.Running),
			fmt.Sprint(s.Completed),
			fmt.Sprint(s.Failed),
			fmt.Sprint(s.Cancelled),
			fmt.Sprint(s.Total),
		},
	}).Render()
}

func runPulseSweep(cmd *cobra.Command, args []string) error {
	var at *time.Time
	if raw, _ := cmd.Flags().GetString("at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("invalid --at %q: %w", raw, err)
		}
		at = util.Ptr(t)
	}

	rt, err := cliRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	start := time.Now()
	result, err := rt.engine.ForceSweep(cmd.Context(), at)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Sweep finished in %v: %d timed out, %d stale pending",
		time.Since(start).Round(time.Millisecond), result.Recovered, result.Purged)
	return nil
}
