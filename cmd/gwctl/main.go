// gwctl is the command-line client for the workflow execution engine.
package main

import (
	"fmt"
	"os"

	"github.com/wilke-labs/gowe-engine/internal/gwctl"
)

func main() {
	if err := gwctl.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
