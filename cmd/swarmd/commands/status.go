package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"swarmd/internal/registry"
	"swarmd/internal/statusserver"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
)

var (
	statusRemote   string
	statusInsecure bool
)

var statusCmd = &cobra.Command{
	Use:   "status [path-prefix]",
	Short: "Show the downloads known to the index",
	Long: `Without --remote, load the index and print every download it describes.
With --remote, ask a running "swarmd serve" for a live snapshot.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var prefix string
		if len(args) == 1 {
			prefix = args[0]
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if statusRemote != "" {
			snap, err := statusserver.Fetch(ctx, statusRemote, statusserver.ClientTLS(statusInsecure), prefix, logger)
			if err != nil {
				return fmt.Errorf("status fetch failed: %w", err)
			}
			fmt.Fprintf(os.Stdout, "snapshot %s taken %s\n", snap.ID, snap.Taken.Local().Format(time.RFC3339))
			return printRemote(os.Stdout, snap.Entries)
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.store.Close()
		var rows []registry.Status
		for _, st := range a.reg.Snapshot() {
			if strings.HasPrefix(st.Path, prefix) {
				rows = append(rows, st)
			}
		}
		return printLocal(os.Stdout, rows)
	},
}

func percent(done, size uint64) string {
	if size == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", 100*float64(done)/float64(size))
}

func printLocal(w io.Writer, rows []registry.Status) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tSIZE\tDONE\tSTATE\tFLAGS\tSHA1")
	for _, st := range rows {
		size := "?"
		if st.SizeKnown {
			size = datasize.ByteSize(st.Size).HumanReadable()
		}
		sha := "-"
		if st.SHA1 != nil {
			sha = st.SHA1.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", st.Path, size, percent(st.Done, st.Size),
			st.State, strings.Join(st.Flags.Names(), ","), sha)
	}
	return tw.Flush()
}

func printRemote(w io.Writer, entries []map[string]any) error {
	sort.Slice(entries, func(i, j int) bool {
		return fmt.Sprint(entries[i]["path"]) < fmt.Sprint(entries[j]["path"])
	})
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tSIZE\tDONE\tSTATE\tSOURCES")
	for _, e := range entries {
		size, _ := e["size"].(float64)
		done, _ := e["done"].(float64)
		refs, _ := e["refcount"].(float64)
		fmt.Fprintf(tw, "%v\t%s\t%s\t%v\t%d\n", e["path"], datasize.ByteSize(size).HumanReadable(),
			percent(uint64(done), uint64(size)), e["state"], int(refs))
	}
	return tw.Flush()
}

func init() {
	statusCmd.Flags().StringVar(&statusRemote, "remote", "", "address of a running swarmd status listener")
	statusCmd.Flags().BoolVar(&statusInsecure, "insecure", false, "accept self-signed status certificates")
	rootCmd.AddCommand(statusCmd)
}
