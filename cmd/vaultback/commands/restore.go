package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <selector> <target>",
	Short: "Restore files matching selector into target",
	Long: `Restore every tracked file whose path equals selector or has it as
a directory prefix, writing the newest non-tombstoned version of each
under target. An empty selector ("") restores everything.`,
	Args: cobra.ExactArgs(2),
	RunE: runRestore,
}

func runRestore(cmd *cobra.Command, args []string) error {
	selector, target := args[0], args[1]
	if selector == "." {
		selector = ""
	}

	ctx, stop := signalContext()
	defer stop()

	ctx, stack, err := loadStack(ctx)
	if err != nil {
		return err
	}
	defer stack.Close()

	res, err := stack.RestoreEngine().Restore(ctx, selector, target)
	if err != nil && len(res.Failures) == 0 {
		return err
	}

	fmt.Printf("Restored %d files (%d bytes) into %s.\n", res.FilesRestored, res.BytesWritten, target)
	for _, f := range res.Failures {
		fmt.Fprintf(os.Stderr, "%s: %v\n", f.Path, f.Err)
	}
	return err
}
