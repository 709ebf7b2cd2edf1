package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"

	"github.com/ccjk-org/ccjk/internal/daemon"
	"github.com/ccjk-org/ccjk/internal/sock"
	"github.com/ccjk-org/ccjk/internal/stringutil"
)

// CmdStatus creates the status command: report daemon state.
func CmdStatus() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show daemon status",
			Long: `Report whether the daemon is running, its mode, uptime, queue depth,
running tasks, recent history, and per-component health.

Example:
  ccjk status
  ccjk status --json
`,
			Args: cobra.NoArgs,
		}, statusFlags, runStatus,
	)
}

var statusFlags = []commandLineFlag{
	{name: "json", usage: "print the raw status JSON", isBool: true},
}

func runStatus(ctx *Context, _ []string) error {
	asJSON, _ := ctx.Command.Flags().GetBool("json")

	client := sock.NewClient(sock.Addr(ctx.Config.Paths.Home), 5*time.Second)
	body, err := client.Request(ctx, "GET", "/status")
	if err != nil {
		return statusFromLockFile(ctx, asJSON)
	}

	if asJSON {
		fmt.Println(string(body))
		return nil
	}

	var status daemon.Status
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("failed to decode status response: %w", err)
	}
	renderStatus(status)
	return nil
}

// statusFromLockFile degrades to lock-file PID probing when the admin socket
// is unreachable.
func statusFromLockFile(ctx *Context, asJSON bool) error {
	pid, err := daemon.ReadLockPID(ctx.Config.Paths.LockFile)
	if err != nil {
		if asJSON {
			fmt.Println(`{"state":"stopped"}`)
		} else {
			fmt.Println("Daemon is not running")
		}
		return nil
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		if asJSON {
			fmt.Println(`{"state":"stopped"}`)
		} else {
			fmt.Printf("Daemon is not running (stale lock file, pid %d)\n", pid)
		}
		return nil
	}

	uptime := int64(0)
	if createdMs, err := proc.CreateTime(); err == nil {
		uptime = int64(time.Since(time.UnixMilli(createdMs)).Seconds())
	}
	if asJSON {
		out, _ := json.Marshal(map[string]any{
			"state": "running", "pid": pid, "uptimeSec": uptime,
			"degraded": "admin socket unreachable",
		})
		fmt.Println(string(out))
		return nil
	}
	fmt.Printf("Daemon is running (pid %d, up %s) but the admin socket is unreachable\n",
		pid, stringutil.FormatDuration(time.Duration(uptime)*time.Second))
	return nil
}

func renderStatus(status daemon.Status) {
	summary := table.NewWriter()
	summary.SetOutputMirror(os.Stdout)
	summary.AppendRows([]table.Row{
		{"State", status.State},
		{"Mode", status.Mode},
		{"PID", status.PID},
		{"Uptime", stringutil.FormatDuration(time.Duration(status.UptimeSec) * time.Second)},
		{"Queue depth", status.QueueDepth},
		{"Running tasks", len(status.Running)},
	})
	if !status.LastHeartbeatAt.IsZero() {
		summary.AppendRow(table.Row{"Last heartbeat",
			fmt.Sprintf("%s (%s)", status.LastHeartbeatAt.Format(time.RFC3339), status.CloudStatus)})
	}
	summary.Render()

	fmt.Println()
	for name, health := range status.Components {
		fmt.Printf("  %s: %s\n", name, colorHealth(health))
	}

	if len(status.Running) > 0 {
		fmt.Println()
		renderTasks("Running", status.Running)
	}
	if len(status.Recent) > 0 {
		fmt.Println()
		renderTasks("Recent", status.Recent)
	}
}

// colorHealth renders one component health value: green ok, yellow degraded,
// red disabled.
func colorHealth(h daemon.ComponentHealth) string {
	switch h.State {
	case daemon.HealthOK:
		return color.GreenString(h.State)
	case daemon.HealthDegraded:
		return color.YellowString("%s: %s", h.State, h.Reason)
	default:
		return color.RedString(h.State)
	}
}

func renderTasks(title string, tasks []daemon.TaskInfo) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(title)
	tw.AppendHeader(table.Row{"ID", "Source", "State", "Command", "Exit", "Duration"})
	for _, t := range tasks {
		exit := ""
		if t.ExitCode != nil {
			exit = fmt.Sprintf("%d", *t.ExitCode)
		}
		duration := ""
		if t.DurationMs > 0 {
			duration = stringutil.FormatDuration(time.Duration(t.DurationMs) * time.Millisecond)
		}
		tw.AppendRow(table.Row{
			stringutil.TruncString(t.ID, 8), t.Source, t.State,
			stringutil.TruncString(t.Command, 40), exit, duration,
		})
	}
	tw.Render()
}
