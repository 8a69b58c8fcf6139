package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/followup/internal/engine"
	"github.com/opencode-ai/followup/internal/followupd"
)

var (
	signalLead         string
	signalFlow         string
	signalAll          bool
	signalSilentSince  string
	signalChannel      string
	signalConversation string
	signalAccount      string
)

func init() {
	rootCmd.AddCommand(signalCmd)
	signalCmd.AddCommand(signalNoResponseCmd)
	signalCmd.AddCommand(signalRepliedCmd)

	flags := signalNoResponseCmd.Flags()
	flags.StringVar(&signalLead, "lead", "", "lead id (required)")
	flags.StringVar(&signalFlow, "flow", "", "flow to start")
	flags.BoolVar(&signalAll, "all", false, "start every runnable no_response flow")
	flags.StringVar(&signalSilentSince, "silent-since", "", "when the lead went quiet (RFC3339)")
	flags.StringVar(&signalChannel, "channel", "", "conversation channel")
	flags.StringVar(&signalConversation, "conversation", "", "conversation id")
	flags.StringVar(&signalAccount, "account", "", "account id")

	signalRepliedCmd.Flags().StringVar(&signalLead, "lead", "", "lead id (required)")
}

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Send lead signals to the engine",
}

var signalNoResponseCmd = &cobra.Command{
	Use:   "no-response",
	Short: "Report that a lead stopped answering",
	Long: `Report that a lead stopped answering. Starts the named flow (or every
runnable no_response flow with --all) for the lead. Repeating the signal while
a follow-up is active returns the existing instance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		req, err := triggerRequestFromFlags()
		if err != nil {
			return err
		}

		var resp *followupd.TriggerResponse
		if addr, ok := remoteAddr(); ok {
			client, err := followupd.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()
			if resp, err = client.TriggerNoResponse(ctx, req); err != nil {
				return err
			}
		} else {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if resp, err = triggerLocal(cmd, rt, req); err != nil {
				return err
			}
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), resp)
		}

		out := cmd.OutOrStdout()
		for _, res := range resp.Results {
			verb := "started"
			if !res.Created {
				verb = "already active"
			}
			inst := res.Instance
			fmt.Fprintf(out, "%s %s for %s: %s at %s\n",
				inst.FlowID, verb, inst.LeadID, formatInstanceStatus(inst.Status), inst.CurrentNodeID)
		}
		for _, msg := range resp.Errors {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", colorize("✗", colorRed), msg)
		}
		if len(resp.Results) == 0 && len(resp.Errors) > 0 {
			return errors.New("no follow-up started")
		}
		return nil
	},
}

var signalRepliedCmd = &cobra.Command{
	Use:   "replied",
	Short: "Report that a lead answered; cancels its follow-ups",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		if strings.TrimSpace(signalLead) == "" {
			return errors.New("--lead is required")
		}

		var cancelled int
		if addr, ok := remoteAddr(); ok {
			client, err := followupd.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()
			if cancelled, err = client.LeadReplied(ctx, signalLead); err != nil {
				return err
			}
		} else {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if cancelled, err = rt.engine.LeadReplied(ctx, signalLead); err != nil && cancelled == 0 {
				return err
			}
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), map[string]int{"cancelled": cancelled})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d follow-up(s) for %s\n", cancelled, signalLead)
		return nil
	},
}

func triggerRequestFromFlags() (followupd.TriggerRequest, error) {
	req := followupd.TriggerRequest{
		LeadID:         strings.TrimSpace(signalLead),
		ConversationID: signalConversation,
		AccountID:      signalAccount,
		Channel:        signalChannel,
		FlowID:         strings.TrimSpace(signalFlow),
		AllFlows:       signalAll,
	}
	if req.LeadID == "" {
		return req, errors.New("--lead is required")
	}
	if !req.AllFlows && req.FlowID == "" {
		return req, errors.New("--flow or --all is required")
	}
	if signalSilentSince != "" {
		ts, err := time.Parse(time.RFC3339, signalSilentSince)
		if err != nil {
			return req, fmt.Errorf("invalid --silent-since: %w", err)
		}
		req.SilentSince = ts
	}
	return req, nil
}

// triggerLocal mirrors the daemon's TriggerNoResponse against the local database.
func triggerLocal(cmd *cobra.Command, rt *localRuntime, req followupd.TriggerRequest) (*followupd.TriggerResponse, error) {
	ctx := commandContext(cmd)
	sig := engine.NoResponseSignal{
		LeadID:         req.LeadID,
		ConversationID: req.ConversationID,
		AccountID:      req.AccountID,
		Channel:        req.Channel,
		FlowID:         req.FlowID,
		SilentSince:    req.SilentSince,
	}

	resp := &followupd.TriggerResponse{}
	var results []*engine.TriggerResult
	var err error
	if req.AllFlows {
		results, err = rt.engine.TriggerAll(ctx, sig)
	} else {
		var res *engine.TriggerResult
		res, err = rt.engine.Trigger(ctx, sig)
		if res != nil {
			results = append(results, res)
		}
	}
	for _, res := range results {
		if res == nil || res.Instance == nil {
			continue
		}
		resp.Results = append(resp.Results, followupd.TriggeredInstance{Instance: res.Instance, Created: res.Created})
	}
	if err != nil {
		if len(resp.Results) == 0 && !req.AllFlows {
			return nil, err
		}
		resp.Errors = append(resp.Errors, err.Error())
	}
	return resp, nil
}
