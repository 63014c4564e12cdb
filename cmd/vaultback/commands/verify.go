package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vaultback/vaultback/internal/cliutil"
	"github.com/vaultback/vaultback/internal/vaulterr"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-read every archive and check block hashes",
	Long: `Download every reachable archive, decrypt and decompress it, and
re-check every block's BLAKE3 hash against its recorded location. Reports
every failure found rather than stopping at the first one.`,
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	ctx, stack, err := loadStack(ctx)
	if err != nil {
		return err
	}
	defer stack.Close()

	res, failures, err := stack.VerifyEngine().Run(ctx)
	if err != nil {
		return err
	}

	cliutil.SimpleTable(os.Stdout, [][2]string{
		{"archives checked", strconv.Itoa(res.ArchivesChecked)},
		{"blocks checked", strconv.Itoa(res.BlocksChecked)},
		{"failures", strconv.Itoa(len(failures))},
	})
	if len(failures) == 0 {
		return nil
	}

	for _, f := range failures {
		if f.BlockHash != "" {
			fmt.Fprintf(os.Stderr, "archive %d block %s: %v\n", f.ArchiveID, f.BlockHash, f.Err)
		} else {
			fmt.Fprintf(os.Stderr, "archive %d: %v\n", f.ArchiveID, f.Err)
		}
	}
	return vaulterr.Wrap(vaulterr.KindCorruption, "cmd.verify", "%d integrity failures found", len(failures))
}
