// Command entsync runs the reference sync authority and the tooling around
// it: diff and apply, packet log inspection, token issuing, live watching
// and scenario tests.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/entsync/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "entsync: %v\n", err)
	}
	os.Exit(cli.GetExitCode(err))
}
