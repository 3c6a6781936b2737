package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/canlens/internal/catalog"
	"firestige.xyz/canlens/internal/config"
	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/sink/console"
	"firestige.xyz/canlens/internal/trace"
)

type traceOptions struct {
	dbc    string
	decode bool
}

var traceFlags traceOptions

var traceCmd = &cobra.Command{
	Use:   "trace <file.trc>",
	Short: "Summarize or decode a recorded trace",
	Long: `Read a trace file and print its header, frame count, duration and a
per-id breakdown. With --decode every frame is printed and decoded with the
DBC catalog instead.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("failed to load config", err)
		}
		if err := runTrace(cfg, args[0], traceFlags, os.Stdout); err != nil {
			exitWithError("trace failed", err)
		}
	},
}

func init() {
	traceCmd.Flags().StringVar(&traceFlags.dbc, "dbc", "", "DBC file (overrides catalog.path)")
	traceCmd.Flags().BoolVarP(&traceFlags.decode, "decode", "d", false, "print every frame decoded")
}

func runTrace(cfg *config.GlobalConfig, path string, o traceOptions, out io.Writer) error {
	f, err := trace.LoadFile(path)
	if err != nil {
		return err
	}

	if o.decode {
		dbc := o.dbc
		if dbc == "" {
			dbc = cfg.Catalog.Path
		}
		var cat *catalog.Catalog
		if dbc != "" {
			if cat, err = catalog.LoadFile(dbc, catalog.Options{Strict: cfg.Catalog.Strict}); err != nil {
				return err
			}
		}
		for _, e := range f.Entries {
			ev := &core.DecodedEvent{Frame: e.Frame(), Source: core.SourceReplay, Offset: e.Offset()}
			if cat != nil {
				ev.Signals = cat.Decode(ev.Frame)
			}
			fmt.Fprintln(out, console.FormatText(ev))
		}
		return nil
	}

	fmt.Fprintf(out, "file:     %s\n", path)
	fmt.Fprintf(out, "version:  %s\n", f.Version)
	if !f.StartTime.IsZero() {
		fmt.Fprintf(out, "started:  %s\n", f.StartTime.Format("2006-01-02 15:04:05.000"))
	}
	fmt.Fprintf(out, "frames:   %d\n", len(f.Entries))
	if f.Skipped > 0 {
		fmt.Fprintf(out, "skipped:  %d malformed lines\n", f.Skipped)
	}
	if len(f.Entries) == 0 {
		return nil
	}
	fmt.Fprintf(out, "duration: %s\n", f.Entries[len(f.Entries)-1].Offset()-f.Entries[0].Offset())

	type idCount struct {
		id    uint32
		count int
	}
	counts := make(map[uint32]int)
	for _, e := range f.Entries {
		counts[e.ID]++
	}
	ids := make([]idCount, 0, len(counts))
	for id, n := range counts {
		ids = append(ids, idCount{id, n})
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].id < ids[j].id })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFRAMES")
	for _, c := range ids {
		fmt.Fprintf(w, "%03X\t%d\n", c.id, c.count)
	}
	return w.Flush()
}
