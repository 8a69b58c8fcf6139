// Command followup authors flows, sends lead signals and runs the daemon.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/followup/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
