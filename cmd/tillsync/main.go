// Command tillsync replicates point-of-sale state between offline tills.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/tillsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
