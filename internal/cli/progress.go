package cli

import (
	"fmt"
	"io"
	"os"
	"time"
)

// progress prints "label... done (12ms)" lines on stderr for slow commands.
type progress struct {
	out     io.Writer
	label   string
	started time.Time
	total   int
	current int
}

// startProgressTo reports against a known number of items when total > 0.
func startProgressTo(out io.Writer, label string, total int) *progress {
	if !progressEnabled() {
		return nil
	}
	if total > 0 {
		fmt.Fprintf(out, "%s (%d)... ", label, total)
	} else {
		fmt.Fprintf(out, "%s... ", label)
	}
	return &progress{out: out, label: label, started: time.Now(), total: total}
}

// Step marks one item finished.
func (p *progress) Step() {
	if p == nil {
		return
	}
	p.current++
	if p.total > 0 {
		fmt.Fprintf(p.out, "%d/%d ", p.current, p.total)
	}
}

func (p *progress) Done() {
	if p == nil {
		return
	}
	fmt.Fprintf(p.out, "done (%s)\n", formatDuration(time.Since(p.started)))
}

func (p *progress) Fail(err error) {
	if p == nil {
		return
	}
	if err != nil {
		fmt.Fprintf(p.out, "failed: %v\n", err)
		return
	}
	fmt.Fprintln(p.out, "failed")
}

func progressEnabled() bool {
	if IsJSONOutput() || IsJSONLOutput() || noProgress {
		return false
	}
	for _, key := range []string{"FOLLOWUP_NO_PROGRESS", "NO_PROGRESS"} {
		if _, ok := os.LookupEnv(key); ok {
			return false
		}
	}
	return true
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.String()
	case d < time.Second:
		return d.Round(10 * time.Millisecond).String()
	default:
		return d.Round(100 * time.Millisecond).String()
	}
}
