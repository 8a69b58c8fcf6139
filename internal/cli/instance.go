package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/followup/internal/followupd"
	"github.com/opencode-ai/followup/internal/models"
)

var (
	instanceStatuses []string
	instanceLead     string
	instanceFlow     string
	instanceLimit    int
	cancelReason     string
)

func init() {
	rootCmd.AddCommand(instanceCmd)
	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceShowCmd)
	instanceCmd.AddCommand(instanceHistoryCmd)
	instanceCmd.AddCommand(instanceCancelCmd)

	instanceListCmd.Flags().StringSliceVar(&instanceStatuses, "status", nil, "filter by status (repeatable)")
	instanceListCmd.Flags().StringVar(&instanceLead, "lead", "", "filter by lead id")
	instanceListCmd.Flags().StringVar(&instanceFlow, "flow", "", "filter by flow id")
	instanceListCmd.Flags().IntVar(&instanceLimit, "limit", 50, "maximum number of instances")

	instanceCancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled by operator", "reason recorded in the history")
}

var instanceCmd = &cobra.Command{
	Use:     "instance",
	Aliases: []string{"instances", "inst"},
	Short:   "Inspect and cancel running follow-ups",
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List flow instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		req := followupd.ListInstancesRequest{
			LeadID:   instanceLead,
			FlowID:   instanceFlow,
			Statuses: instanceStatuses,
			Limit:    instanceLimit,
		}
		for _, s := range req.Statuses {
			if !models.InstanceStatus(s).Valid() {
				return fmt.Errorf("unknown status %q", s)
			}
		}

		var list []*models.FlowInstance
		if addr, ok := remoteAddr(); ok {
			client, err := followupd.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()
			if list, err = client.ListInstances(ctx, req); err != nil {
				return err
			}
		} else {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if list, err = rt.instances.List(ctx, req.Filter()); err != nil {
				return err
			}
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), list)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No instances found")
			return nil
		}

		now := time.Now()
		rows := make([][]string, 0, len(list))
		for _, inst := range list {
			rows = append(rows, []string{
				shortID(inst.ID),
				inst.LeadID,
				fmt.Sprintf("%s@v%d", inst.FlowID, inst.FlowVersion),
				formatInstanceStatus(inst.Status),
				inst.CurrentNodeID,
				strconv.Itoa(inst.AttemptCount),
				formatRelative(inst.ScheduledAt, now),
			})
		}
		return writeTable(cmd.OutOrStdout(), []string{"ID", "LEAD", "FLOW", "STATUS", "NODE", "ATTEMPTS", "NEXT"}, rows)
	},
}

var instanceShowCmd = &cobra.Command{
	Use:   "show <instance-id>",
	Short: "Show an instance and its cursor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := loadInstance(cmd, args[0])
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), inst)
		}

		out := cmd.OutOrStdout()
		now := time.Now()
		fmt.Fprintf(out, "Instance:  %s\n", inst.ID)
		fmt.Fprintf(out, "Lead:      %s\n", inst.LeadID)
		if inst.ConversationID != "" {
			fmt.Fprintf(out, "Convo:     %s (%s)\n", inst.ConversationID, inst.Channel)
		}
		fmt.Fprintf(out, "Flow:      %s v%d\n", inst.FlowID, inst.FlowVersion)
		fmt.Fprintf(out, "Status:    %s\n", formatInstanceStatus(inst.Status))
		fmt.Fprintf(out, "Node:      %s\n", inst.CurrentNodeID)
		fmt.Fprintf(out, "Attempts:  %d\n", inst.AttemptCount)
		if inst.RetryCount > 0 {
			fmt.Fprintf(out, "Retries:   %d\n", inst.RetryCount)
		}
		if inst.ScheduledAt != nil {
			fmt.Fprintf(out, "Next:      %s (%s)\n", formatTime(inst.ScheduledAt), formatRelative(inst.ScheduledAt, now))
		}
		if inst.CancelRequested && !inst.Status.Terminal() {
			fmt.Fprintf(out, "Cancel:    %s\n", colorize("requested", colorYellow))
		}
		if inst.LastError != "" {
			fmt.Fprintf(out, "Error:     %s\n", colorize(inst.LastError, colorRed))
		}
		fmt.Fprintf(out, "Started:   %s\n", formatTime(&inst.CreatedAt))
		if inst.EndedAt != nil {
			fmt.Fprintf(out, "Ended:     %s\n", formatTime(inst.EndedAt))
		}
		if n := len(inst.History); n > 0 {
			last := inst.History[n-1]
			fmt.Fprintf(out, "Last step: %s %s\n", last.NodeID, formatOutcome(last.Outcome))
		}
		return nil
	},
}

var instanceHistoryCmd = &cobra.Command{
	Use:   "history <instance-id>",
	Short: "Show the execution history of an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := loadInstance(cmd, args[0])
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), inst.History)
		}
		if len(inst.History) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No history recorded")
			return nil
		}
		rows := make([][]string, 0, len(inst.History))
		for _, h := range inst.History {
			rows = append(rows, []string{
				strconv.Itoa(h.Seq),
				formatTime(&h.At),
				h.NodeID,
				formatOutcome(h.Outcome),
				h.Detail,
			})
		}
		return writeTable(cmd.OutOrStdout(), []string{"SEQ", "AT", "NODE", "OUTCOME", "DETAIL"}, rows)
	},
}

var instanceCancelCmd = &cobra.Command{
	Use:   "cancel <instance-id>",
	Short: "Cancel a running instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		id := args[0]

		if !assumeYes {
			if IsNonInteractive() {
				return errors.New("refusing to cancel without --yes in non-interactive mode")
			}
			if !confirm(fmt.Sprintf("Cancel instance %s?", id)) {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
				return nil
			}
		}

		var inst *models.FlowInstance
		if addr, ok := remoteAddr(); ok {
			client, err := followupd.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()
			if inst, err = client.CancelInstance(ctx, id, cancelReason); err != nil {
				return err
			}
		} else {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.engine.Cancel(ctx, id, cancelReason); err != nil {
				return err
			}
			if inst, err = rt.instances.Get(ctx, id); err != nil {
				return err
			}
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), inst)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Instance %s is %s\n", shortID(inst.ID), strings.ToLower(string(inst.Status)))
		return nil
	},
}

func loadInstance(cmd *cobra.Command, id string) (*models.FlowInstance, error) {
	ctx := commandContext(cmd)
	if addr, ok := remoteAddr(); ok {
		client, err := followupd.Dial(addr)
		if err != nil {
			return nil, err
		}
		defer client.Close()
		return client.GetInstance(ctx, id)
	}
	rt, err := openRuntime()
	if err != nil {
		return nil, err
	}
	defer rt.Close()
	return rt.instances.GetWithHistory(ctx, id)
}
