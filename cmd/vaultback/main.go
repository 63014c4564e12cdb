// Command vaultback performs incremental, deduplicated, encrypted backups
// of local files to a remote object-storage bucket.
package main

import (
	"fmt"
	"os"

	"github.com/vaultback/vaultback/cmd/vaultback/commands"
	"github.com/vaultback/vaultback/internal/vaulterr"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if kind, ok := vaulterr.KindOf(err); ok {
			os.Exit(kind.ExitCode())
		}
		os.Exit(1)
	}
}
