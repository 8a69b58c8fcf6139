package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/opencode-ai/followup/internal/models"
)

const (
	colorGreen   = "2"
	colorRed     = "1"
	colorYellow  = "3"
	colorCyan    = "6"
	colorMagenta = "5"
	colorGray    = "8"
)

func hasTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func colorEnabled() bool {
	if noColor || IsJSONOutput() || IsJSONLOutput() {
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func colorize(text, color string) string {
	if color == "" || !colorEnabled() {
		return text
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render(text)
}

func formatInstanceStatus(status models.InstanceStatus) string {
	label, color := statusLabelForInstance(status)
	return colorize(formatStatusLabel(label, string(status)), color)
}

func formatFlowState(flow *models.Flow) string {
	label, color := statusLabelForFlow(flow)
	state := "runnable"
	switch {
	case flow.Version == 0:
		state = "draft"
	case !flow.Runnable:
		state = fmt.Sprintf("draft, v%d live", flow.Version)
	}
	return colorize(formatStatusLabel(label, state), color)
}

func statusLabelForInstance(status models.InstanceStatus) (string, string) {
	switch status {
	case models.InstanceStatusWaiting:
		return "WAIT", colorCyan
	case models.InstanceStatusPending, models.InstanceStatusRunning:
		return "BUSY", colorYellow
	case models.InstanceStatusCompleted:
		return "DONE", colorGreen
	case models.InstanceStatusCancelled:
		return "STOP", colorGray
	case models.InstanceStatusFailed:
		return "ERR", colorRed
	default:
		return "WARN", colorMagenta
	}
}

func statusLabelForFlow(flow *models.Flow) (string, string) {
	switch {
	case flow.Version == 0:
		return "ERR", colorRed
	case !flow.Runnable:
		return "WARN", colorYellow
	default:
		return "OK", colorGreen
	}
}

func formatOutcome(outcome models.HistoryOutcome) string {
	switch outcome {
	case models.OutcomeFailed, models.OutcomeFailedRetryable:
		return colorize(string(outcome), colorRed)
	case models.OutcomeSucceeded, models.OutcomeCompleted:
		return colorize(string(outcome), colorGreen)
	case models.OutcomeWaiting, models.OutcomeWoke:
		return colorize(string(outcome), colorCyan)
	case models.OutcomeCancelled, models.OutcomeDeadEnd:
		return colorize(string(outcome), colorGray)
	default:
		return string(outcome)
	}
}

func formatStatusLabel(label, status string) string {
	normalized := strings.TrimSpace(status)
	if normalized != "" {
		normalized = strings.ReplaceAll(normalized, "_", " ")
	}
	if normalized == "" {
		return label
	}
	return fmt.Sprintf("%s %s", label, normalized)
}
