package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/followup/internal/followupd"
	"github.com/opencode-ai/followup/internal/models"
)

var statusTimeout time.Duration

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "how long to wait for the daemon")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show instance counts, and daemon health when one is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(commandContext(cmd), statusTimeout)
		defer cancel()

		addr, ok := remoteAddr()
		if !ok {
			addr = defaultDaemonAddr()
		}

		var resp *followupd.StatusResponse
		client, err := followupd.Dial(addr)
		if err == nil {
			defer client.Close()
			resp, err = client.GetStatus(ctx)
		}
		if err != nil {
			if _, explicit := remoteAddr(); explicit {
				return fmt.Errorf("followupd at %s: %w", addr, err)
			}
			// No daemon; report counts straight from the database.
			if resp, err = localStatus(cmd); err != nil {
				return err
			}
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), resp)
		}
		return printStatus(cmd, addr, resp)
	},
}

func localStatus(cmd *cobra.Command) (*followupd.StatusResponse, error) {
	rt, err := openRuntime()
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	counts, err := rt.instances.CountByStatus(commandContext(cmd), "")
	if err != nil {
		return nil, err
	}
	resp := &followupd.StatusResponse{Version: version, Instances: map[string]int{}}
	for status, n := range counts {
		resp.Instances[string(status)] = n
	}
	if resp.NextWake, err = rt.instances.NextWake(commandContext(cmd)); err != nil {
		return nil, err
	}
	return resp, nil
}

func printStatus(cmd *cobra.Command, addr string, resp *followupd.StatusResponse) error {
	out := cmd.OutOrStdout()
	now := time.Now()

	if resp.Scheduler == nil {
		fmt.Fprintf(out, "Daemon:    %s\n", colorize("not running", colorGray))
	} else {
		state := colorize("running", colorGreen)
		switch {
		case resp.Scheduler.Paused:
			state = colorize("paused", colorYellow)
		case !resp.Scheduler.Running:
			state = colorize("stopped", colorRed)
		}
		fmt.Fprintf(out, "Daemon:    %s at %s (%s, %s)\n", state, addr, resp.Hostname, resp.Version)
		fmt.Fprintf(out, "Up since:  %s (%s)\n", formatTime(&resp.StartedAt), formatRelative(&resp.StartedAt, now))
		fmt.Fprintf(out, "Advances:  %d ok, %d failed, %d in flight\n",
			resp.Scheduler.SuccessfulAdvances, resp.Scheduler.FailedAdvances, resp.Scheduler.InFlight)
		if resp.Scheduler.LastAdvanceAt != nil {
			fmt.Fprintf(out, "Last wake: %s\n", formatRelative(resp.Scheduler.LastAdvanceAt, now))
		}
	}
	if resp.NextWake != nil {
		fmt.Fprintf(out, "Next wake: %s (%s)\n", formatTime(resp.NextWake), formatRelative(resp.NextWake, now))
	}
	fmt.Fprintln(out)

	statuses := make([]string, 0, len(resp.Instances))
	for s := range resp.Instances {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		rows = append(rows, []string{formatInstanceStatus(models.InstanceStatus(s)), strconv.Itoa(resp.Instances[s])})
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No instances")
		return nil
	}
	return writeTable(out, []string{"STATUS", "COUNT"}, rows)
}
