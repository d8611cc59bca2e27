// Command syncadmin runs maintenance tasks against a budgetsync deployment:
// schema migrations, ledger compaction, membership grants, token minting and
// read-only queries against a running server.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
