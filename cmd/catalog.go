package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/canlens/internal/catalog"
)

var (
	catalogStrict  bool
	catalogSignals bool
)

var catalogCmd = &cobra.Command{
	Use:   "catalog <file.dbc>",
	Short: "List the messages of a DBC file",
	Long: `Parse a DBC file and list its messages. Skipped records and signal layout
problems are reported after the listing.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if _, err := loadConfig(); err != nil {
			exitWithError("failed to load config", err)
		}
		if err := runCatalog(args[0], catalogStrict, catalogSignals, os.Stdout); err != nil {
			exitWithError("catalog failed", err)
		}
	},
}

func init() {
	catalogCmd.Flags().BoolVar(&catalogStrict, "strict", false, "fail on overlapping or out-of-range signals")
	catalogCmd.Flags().BoolVarP(&catalogSignals, "signals", "s", false, "list the signals of every message")
}

func runCatalog(path string, strict, signals bool, out io.Writer) error {
	cat, err := catalog.LoadFile(path, catalog.Options{Strict: strict})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDLC\tSENDER\tSIGNALS")
	for _, m := range cat.Messages() {
		id := fmt.Sprintf("%03X", m.ID)
		if m.Extended {
			id = fmt.Sprintf("%08X", m.ID)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\n", id, m.Name, m.Length, m.Sender, len(m.Signals))
		if !signals {
			continue
		}
		for _, s := range m.Signals {
			order, sign := "1", "+"
			if s.ByteOrder == catalog.BigEndian {
				order = "0"
			}
			if s.Signed {
				sign = "-"
			}
			fmt.Fprintf(w, "\t  %s\t%d|%d@%s%s\t(%g,%g) [%g|%g] %q\t%s\n",
				s.Name, s.StartBit, s.BitLength, order, sign,
				s.Scale, s.Offset, s.Min, s.Max, s.Unit, s.Receiver())
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "%d messages\n", cat.Len())
	for _, pe := range cat.Warnings() {
		fmt.Fprintf(out, "skipped: %v\n", pe)
	}
	for _, p := range cat.Problems() {
		fmt.Fprintf(out, "problem: %s\n", p)
	}
	return nil
}
