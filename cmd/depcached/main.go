// Command depcached runs the dependency install cache: `depcached serve
// <config>` starts the HTTP API, `depcached sweep <config>` runs the
// Janitor once, `depcached stats <config>` prints occupancy counts.
package main

import (
	"fmt"
	"os"

	"github.com/SiestaCat/dep-cache-proxy/internal/cmd"
)

func main() {
	if err := cmd.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
