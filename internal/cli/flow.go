package cli

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/followup/internal/flows"
	"github.com/opencode-ai/followup/internal/followupd"
	"github.com/opencode-ai/followup/internal/graph"
	"github.com/opencode-ai/followup/internal/models"
)

var (
	flowImportDir string
	flowShowPlan  bool
)

func init() {
	rootCmd.AddCommand(flowCmd)
	flowCmd.AddCommand(flowValidateCmd)
	flowCmd.AddCommand(flowSaveCmd)
	flowCmd.AddCommand(flowShowCmd)
	flowCmd.AddCommand(flowListCmd)
	flowCmd.AddCommand(flowBuiltinsCmd)
	flowCmd.AddCommand(flowImportCmd)

	flowImportCmd.Flags().StringVar(&flowImportDir, "dir", "", "extra directory to import from (searched first)")
	flowShowCmd.Flags().BoolVar(&flowShowPlan, "plan", false, "show the compiled execution order")
}

var flowCmd = &cobra.Command{
	Use:   "flow",
	Short: "Author and inspect follow-up flows",
}

var flowValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a flow file without saving it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := flows.LoadFile(args[0])
		if err != nil {
			return err
		}
		problems := graph.Validate(f.Definition)

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), map[string]any{
				"flow_id":  f.Definition.ID,
				"valid":    len(problems) == 0,
				"problems": problems,
			})
		}

		out := cmd.OutOrStdout()
		if len(problems) == 0 {
			fmt.Fprintf(out, "%s: %s\n", f.Definition.ID, colorize("valid", colorGreen))
			return nil
		}
		printProblems(cmd, problems)
		return fmt.Errorf("%s has %d problem(s)", f.Definition.ID, len(problems))
	},
}

var flowSaveCmd = &cobra.Command{
	Use:   "save <file>",
	Short: "Save a flow; a valid flow becomes the new runnable version",
	Long: `Save a flow definition. The draft is always stored. When it validates,
a new immutable version is published and used by new instances; running
instances keep the version they started with.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		f, err := flows.LoadFile(args[0])
		if err != nil {
			return err
		}

		var flow *models.Flow
		var problems graph.ValidationErrors
		if addr, ok := remoteAddr(); ok {
			client, err := followupd.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()
			res, err := client.SaveFlow(ctx, f.Definition)
			if err != nil {
				return err
			}
			flow = res.Flow
			for _, p := range res.Problems {
				problems = append(problems, graph.ValidationError{Rule: graph.Rule(p.Rule), NodeID: p.NodeID, EdgeID: p.EdgeID, Message: p.Message})
			}
		} else {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			res, err := rt.flows.Save(ctx, f.Definition)
			if err != nil {
				return err
			}
			flow, problems = res.Flow, res.Problems
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), map[string]any{
				"flow":      flow,
				"published": len(problems) == 0,
				"problems":  problems,
			})
		}

		out := cmd.OutOrStdout()
		if len(problems) == 0 {
			fmt.Fprintf(out, "Saved %s as version %d\n", flow.Definition.ID, flow.Version)
			return nil
		}
		fmt.Fprintf(out, "Saved %s as draft; ", flow.Definition.ID)
		if flow.Version > 0 {
			fmt.Fprintf(out, "version %d stays live\n", flow.Version)
		} else {
			fmt.Fprintln(out, "no runnable version yet")
		}
		printProblems(cmd, problems)
		return nil
	},
}

var flowShowCmd = &cobra.Command{
	Use:   "show <flow-id>",
	Short: "Show a stored flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		var flow *models.Flow
		if addr, ok := remoteAddr(); ok {
			client, err := followupd.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()
			if flow, err = client.GetFlow(ctx, args[0]); err != nil {
				return err
			}
		} else {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if flow, err = rt.flows.Get(ctx, args[0]); err != nil {
				return err
			}
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), flow)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Flow:     %s (%s)\n", flow.Definition.ID, flow.Definition.Name)
		fmt.Fprintf(out, "State:    %s\n", formatFlowState(flow))
		fmt.Fprintf(out, "Trigger:  %s\n", flow.TriggerEvent)
		fmt.Fprintf(out, "Updated:  %s\n\n", formatTime(&flow.UpdatedAt))

		rows := make([][]string, 0, len(flow.Definition.Nodes))
		for _, n := range flow.Definition.Nodes {
			rows = append(rows, []string{n.ID, string(n.Kind), describeNode(&n), n.Label})
		}
		if err := writeTable(out, []string{"NODE", "KIND", "DETAIL", "LABEL"}, rows); err != nil {
			return err
		}

		if flowShowPlan {
			if flow.Version == 0 {
				return fmt.Errorf("%s has no runnable version to compile", flow.Definition.ID)
			}
			plan, err := graph.Compile(&flow.Definition, flow.Version)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nExecution order: %v\n", plan.Order)
		}
		return nil
	},
}

var flowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored flows",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		var list []*models.Flow
		if addr, ok := remoteAddr(); ok {
			client, err := followupd.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()
			if list, err = client.ListFlows(ctx); err != nil {
				return err
			}
		} else {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if list, err = rt.flows.List(ctx); err != nil {
				return err
			}
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), list)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No flows saved. Use 'followup flow save <file>' or 'followup flow import'.")
			return nil
		}

		rows := make([][]string, 0, len(list))
		for _, f := range list {
			rows = append(rows, []string{
				f.Definition.ID,
				f.Definition.Name,
				strconv.Itoa(f.Version),
				formatFlowState(f),
				strconv.Itoa(len(f.Definition.Nodes)),
			})
		}
		return writeTable(cmd.OutOrStdout(), []string{"ID", "NAME", "VERSION", "STATE", "NODES"}, rows)
	},
}

var flowBuiltinsCmd = &cobra.Command{
	Use:   "builtins",
	Short: "List flows bundled with followup",
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := flows.LoadBuiltin()
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			defs := make([]*models.FlowDefinition, 0, len(files))
			for _, f := range files {
				defs = append(defs, f.Definition)
			}
			return WriteOutput(cmd.OutOrStdout(), defs)
		}
		rows := make([][]string, 0, len(files))
		for _, f := range files {
			rows = append(rows, []string{f.Definition.ID, f.Definition.Name, strconv.Itoa(len(f.Definition.Nodes))})
		}
		return writeTable(cmd.OutOrStdout(), []string{"ID", "NAME", "NODES"}, rows)
	},
}

var flowImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import flow files from the search paths",
	Long: `Import flow files (.json, .yaml, .yml) from, in order:
  --dir, ./.followup/flows, ~/.config/followup/flows, /usr/share/followup/flows
and the builtin set. The first file with a given flow id wins. Flows whose
definition is unchanged are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		dir := flowImportDir
		if dir == "" {
			dir = GetConfig().FlowsDir
		}

		progress := startProgressTo(cmd.ErrOrStderr(), "Loading flow files", 0)
		files, err := flows.LoadFromSearchPaths(projectDir(), dir)
		if err != nil {
			progress.Fail(err)
			return err
		}
		progress.Done()

		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		saving := startProgressTo(cmd.ErrOrStderr(), "Importing flows", len(files))
		var results []*flows.SaveResult
		for _, f := range files {
			res, err := rt.flows.Import(ctx, []*flows.File{f})
			if err != nil {
				saving.Fail(err)
				return err
			}
			results = append(results, res...)
			saving.Step()
		}
		saving.Done()

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), results)
		}
		if len(results) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "All %d flow(s) up to date\n", len(files))
			return nil
		}
		rows := make([][]string, 0, len(results))
		for _, res := range results {
			rows = append(rows, []string{
				res.Flow.Definition.ID,
				strconv.Itoa(res.Flow.Version),
				formatYesNo(res.Published()),
				strconv.Itoa(len(res.Problems)),
			})
		}
		return writeTable(cmd.OutOrStdout(), []string{"ID", "VERSION", "PUBLISHED", "PROBLEMS"}, rows)
	},
}

func printProblems(cmd *cobra.Command, problems graph.ValidationErrors) {
	sorted := append(graph.ValidationErrors(nil), problems...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Rule < sorted[j].Rule })
	for _, p := range sorted {
		fmt.Fprintf(cmd.ErrOrStderr(), "  %s %s\n", colorize("✗", colorRed), p.Error())
	}
}

func describeNode(n *models.Node) string {
	switch {
	case n.Trigger != nil:
		return fmt.Sprintf("%s after %d %s", n.Trigger.Event, n.Trigger.WaitTime, n.Trigger.WaitUnit)
	case n.Condition != nil:
		return fmt.Sprintf("%s %s %g", n.Condition.ConditionType, n.Condition.Operator, n.Condition.Value)
	case n.Action != nil:
		return describeAction(n.Action)
	default:
		return "-"
	}
}

func describeAction(a models.Action) string {
	switch act := a.(type) {
	case models.WaitAction:
		return fmt.Sprintf("wait %d %s", act.WaitTime, act.WaitUnit)
	case models.SendMessageAction:
		return "send_message: " + truncate(act.Message, 40)
	case models.AIMessageAction:
		return "ai_message: " + truncate(act.Instructions, 40)
	case models.SendEmailAction:
		return "send_email: " + truncate(act.Subject, 40)
	case models.AddTagAction:
		return "add_tag: " + tagNames(act.Tags)
	case models.RemoveTagAction:
		if act.RemoveAll {
			return "remove_tag: all"
		}
		return "remove_tag: " + tagNames(act.Tags)
	case models.TransferAction:
		return "transfer: " + truncate(act.Reason, 40)
	case models.CloseNegativeAction:
		return "close_negative: " + truncate(act.Reason, 40)
	default:
		return string(a.Type())
	}
}

func tagNames(tags []models.Tag) string {
	names := ""
	for i, t := range tags {
		if i > 0 {
			names += ", "
		}
		names += t.Name
	}
	return names
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
