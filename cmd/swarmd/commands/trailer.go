package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"swarmd/internal/chunklist"
	"swarmd/internal/trailer"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var trailerCmd = &cobra.Command{
	Use:   "trailer <file>...",
	Short: "Decode and print the trailer of partial files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		codec := trailer.NewCodec(trailer.CodecConfig{Logger: logger.With("component", "trailer")})
		fs := afero.NewOsFs()
		failed := 0
		for _, path := range args {
			rec, err := codec.Read(fs, path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
				failed++
				continue
			}
			printTrailer(path, rec)
		}
		if failed > 0 {
			return fmt.Errorf("%d file(s) without a valid trailer", failed)
		}
		return nil
	},
}

func printTrailer(path string, rec *trailer.Record) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 1, ' ', 0)
	defer tw.Flush()
	fmt.Fprintf(tw, "file:\t%s\n", path)
	fmt.Fprintf(tw, "version:\t%d\n", rec.Version)
	fmt.Fprintf(tw, "generation:\t%d\n", rec.Generation)
	fmt.Fprintf(tw, "guid:\t%s\n", rec.GUID)
	fmt.Fprintf(tw, "size:\t%d (known: %t)\n", rec.Size, rec.SizeKnown)
	fmt.Fprintf(tw, "done:\t%d\n", rec.Done())
	fmt.Fprintf(tw, "created:\t%s\n", rec.Created.Format(time.RFC3339))
	if rec.SHA1 != nil {
		fmt.Fprintf(tw, "sha1:\t%s\n", rec.SHA1)
	}
	if rec.CHA1 != nil {
		fmt.Fprintf(tw, "cha1:\t%s\n", rec.CHA1)
	}
	if rec.TTH != nil {
		fmt.Fprintf(tw, "tth:\t%s (%d leaves)\n", rec.TTH, len(rec.TigerTree))
	}
	if len(rec.Aliases) > 0 {
		fmt.Fprintf(tw, "aliases:\t%s\n", strings.Join(rec.Aliases, ", "))
	}
	for _, c := range rec.Chunks {
		if c.Status == chunklist.Done {
			fmt.Fprintf(tw, "chunk:\t[%d, %d) done\n", c.From, c.To)
		}
	}
}

func init() {
	rootCmd.AddCommand(trailerCmd)
}
