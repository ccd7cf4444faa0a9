package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan [dir]",
	Short: "Adopt partial files carrying a trailer that the index does not know",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := cfg.DownloadDir
		if len(args) == 1 {
			dir = args[0]
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		n, err := a.reg.Rescan(ctx, dir)
		if cerr := a.close(ctx); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("scan of %s failed: %w", dir, err)
		}
		fmt.Printf("%d file(s) adopted from %s, %d download(s) indexed\n", n, dir, a.reg.Len())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
