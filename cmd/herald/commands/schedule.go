package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/herald/am/geotime"
	"github.com/teranos/herald/logger"
	"github.com/teranos/herald/pulse/schedule"
	"github.com/teranos/herald/sym"
)

// ScheduleCmd manages workflow schedules
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: sym.Pulse + " Register, cancel and inspect workflow schedules",
	Long: sym.Pulse + ` schedule — Manage workflow schedules

Workflows are read from workflows.dir. Registering an immediate workflow
runs it right away; other kinds create a pending job.

Examples:
  herald schedule register weekend-sale
  herald schedule cancel weekend-sale --reason "campaign pulled"
  herald schedule list --status pending,running
  herald schedule requeue SJ_...`,
}

var scheduleRegisterCmd = &cobra.Command{
	Use:   "register <workflow-id>",
	Short: "Register a workflow's schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRegister,
}

var scheduleCancelCmd = &cobra.Command{
	Use:   "cancel <workflow-id>",
	Short: "Cancel a workflow's pending jobs",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleCancel,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	RunE:  runScheduleList,
}

var scheduleRequeueCmd = &cobra.Command{
	Use:   "requeue <job-id>",
	Short: "Re-queue a failed job now",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRequeue,
}

func init() {
	scheduleCancelCmd.Flags().String("reason", "", "Cancellation reason (required)")
	_ = scheduleCancelCmd.MarkFlagRequired("reason")

	scheduleListCmd.Flags().String("status", "", "Comma-separated statuses to include (default: all)")
	scheduleListCmd.Flags().String("workflow", "", "Only jobs of this workflow")

	ScheduleCmd.AddCommand(scheduleRegisterCmd)
	ScheduleCmd.AddCommand(scheduleCancelCmd)
	ScheduleCmd.AddCommand(scheduleListCmd)
	ScheduleCmd.AddCommand(scheduleRequeueCmd)
}

func runScheduleRegister(cmd *cobra.Command, args []string) error {
	rt, err := cliRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	wf, err := rt.provider.Workflow(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	job, err := rt.engine.RegisterSchedule(cmd.Context(), wf)
	if err != nil {
		return err
	}
	switch {
	case job != nil:
		pterm.Success.Printfln("%s scheduled at %s (%s local) as %s",
			wf.ID, geotime.Format(job.ScheduledAt), rt.zone.ToLocal(job.ScheduledAt).Format("2006-01-02 15:04"), job.ID)
	case wf.IsActive():
		pterm.Success.Printfln("%s executed immediately", wf.ID)
	default:
		pterm.Info.Printfln("%s is %s; its pending jobs were cancelled", wf.ID, wf.Status)
	}
	return nil
}

func runScheduleCancel(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")

	rt, err := cliRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	n, err := rt.engine.CancelSchedules(cmd.Context(), args[0], reason)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Cancelled %d pending job(s) of %s", n, args[0])
	return nil
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	rawStatus, _ := cmd.Flags().GetString("status")
	workflowID, _ := cmd.Flags().GetString("workflow")

	statuses, err := parseStatusFlag(rawStatus)
	if err != nil {
		return err
	}

	rt, err := cliRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	var jobs []*schedule.ScheduledJob
	if workflowID != "" {
		jobs, err = rt.store.FindByWorkflow(cmd.Context(), workflowID, statuses...)
		if err != nil {
			return err
		}
	} else {
		if len(statuses) == 0 {
			statuses = schedule.AllStatuses
		}
		for _, st := range statuses {
			found, err := rt.store.FindByStatus(cmd.Context(), st)
			if err != nil {
				return err
			}
			jobs = append(jobs, found...)
		}
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].ScheduledAt.Before(jobs[j].ScheduledAt) })

	if len(jobs) == 0 {
		pterm.Info.Println("No scheduled jobs")
		return nil
	}

	data := pterm.TableData{{"ID", "Workflow", "Kind", "Scheduled (" + rt.zone.Name() + ")", "Status", "Retries", "Note"}}
	for _, j := range jobs {
		data = append(data, []string{
			j.ID,
			j.WorkflowID,
			string(j.Kind),
			rt.zone.ToLocal(j.ScheduledAt).Format("2006-01-02 15:04"),
			string(j.Status),
			fmt.Sprintf("%d/%d", j.RetryCount, j.MaxRetries),
			j.ErrorMessage,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func parseStatusFlag(raw string) ([]schedule.Status, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []schedule.Status
	for _, part := range strings.Split(raw, ",") {
		st := schedule.Status(strings.ToLower(strings.TrimSpace(part)))
		if !st.IsValid() {
			return nil, fmt.Errorf("unknown status %q (valid: pending, running, completed, failed, cancelled)", part)
		}
		out = append(out, st)
	}
	return out, nil
}

func runScheduleRequeue(cmd *cobra.Command, args []string) error {
	rt, err := cliRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	job, err := rt.engine.Requeue(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Re-queued %s as %s (retry %d/%d)", args[0], job.ID, job.RetryCount, job.MaxRetries)
	return nil
}

// cliRuntime builds the runtime for a one-shot command.
func cliRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newRuntime(cmd.Context(), cfg, logger.Logger)
}
