package commands

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vaultback/vaultback/internal/cliutil"
)

var listCmd = &cobra.Command{
	Use:   "list [selector]",
	Short: "List tracked files matching an optional selector",
	Long: `List every tracked file whose path equals selector or has it as a
directory prefix, at the version that would be restored. With no selector,
lists every file the backup set has ever tracked.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runList,
}

func runList(cmd *cobra.Command, args []string) error {
	selector := ""
	if len(args) == 1 {
		selector = args[0]
	}

	ctx, stop := signalContext()
	defer stop()

	ctx, stack, err := loadStack(ctx)
	if err != nil {
		return err
	}
	defer stack.Close()

	matches, err := stack.RestoreEngine().Resolve(ctx, selector)
	if err != nil {
		return err
	}

	table := cliutil.NewTableData("PATH", "VERSION")
	for _, m := range matches {
		table.AddRow(m.File.Path, strconv.FormatUint(uint64(m.VersionIx), 10))
	}
	cliutil.PrintTable(os.Stdout, table)
	return nil
}
