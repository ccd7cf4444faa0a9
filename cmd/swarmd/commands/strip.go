package commands

import (
	"fmt"
	"strings"

	"swarmd/internal/registry"

	"github.com/spf13/cobra"
)

var stripCmd = &cobra.Command{
	Use:   "strip [path-prefix]",
	Short: "Remove the trailer of completed downloads",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var prefix string
		if len(args) == 1 {
			prefix = args[0]
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}

		stripped := 0
		for _, st := range a.reg.Snapshot() {
			if !st.Complete || st.Flags&registry.FlagStripped != 0 || !strings.HasPrefix(st.Path, prefix) {
				continue
			}
			if err := a.reg.StripTrailer(st.Handle); err != nil {
				logger.Warn("Could not strip trailer", "path", st.Path, "error", err)
				continue
			}
			stripped++
			fmt.Println("stripped", st.Path)
		}
		if err := a.close(ctx); err != nil {
			return err
		}
		fmt.Printf("%d trailer(s) removed\n", stripped)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stripCmd)
}
