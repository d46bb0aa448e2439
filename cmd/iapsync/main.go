// Command iapsync reconciles in-app purchases with the billing backend.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/iapsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
