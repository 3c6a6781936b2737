package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/canlens/internal/catalog"
	"firestige.xyz/canlens/internal/config"
	"firestige.xyz/canlens/internal/core"
)

var decodeDBC string

var decodeCmd = &cobra.Command{
	Use:   "decode <id> <data>",
	Short: "Decode one frame with the DBC catalog",
	Long:  "Decode a single frame given as a hexadecimal id and payload bytes.",
	Example: `  canlens decode --dbc car.dbc 100 10 27 82
  canlens decode --dbc car.dbc 0x18FEF100 "FF FF 00 12"`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("failed to load config", err)
		}
		if err := runDecode(cfg, decodeDBC, args, os.Stdout); err != nil {
			exitWithError("decode failed", err)
		}
	},
}

func init() {
	decodeCmd.Flags().StringVar(&decodeDBC, "dbc", "", "DBC file (overrides catalog.path)")
}

func runDecode(cfg *config.GlobalConfig, dbc string, args []string, out io.Writer) error {
	f, err := parseFrameArgs(args)
	if err != nil {
		return err
	}
	if dbc == "" {
		dbc = cfg.Catalog.Path
	}
	if dbc == "" {
		return fmt.Errorf("no DBC file given (--dbc or catalog.path): %w", core.ErrNoCatalog)
	}
	cat, err := catalog.LoadFile(dbc, catalog.Options{Strict: cfg.Catalog.Strict})
	if err != nil {
		return err
	}

	fmt.Fprintln(out, f)
	msg, ok := cat.Lookup(f.ID, f.Extended)
	if !ok {
		fmt.Fprintf(out, "  id %X is not in %s\n", f.ID, dbc)
		return nil
	}
	fmt.Fprintf(out, "  %s (%d bytes, sender %s)\n", msg.Name, msg.Length, msg.Sender)
	if int(f.DLC) < msg.Length {
		fmt.Fprintf(out, "  warning: payload has %d of %d bytes, missing bits read as zero\n", f.DLC, msg.Length)
	}
	for _, sv := range cat.Decode(f) {
		fmt.Fprintf(out, "  %-24s %g %s\n", sv.Name, sv.Value, sv.Unit)
	}
	return nil
}

// parseFrameArgs reads "<id> <bytes...>". Bytes may be separate arguments or
// one string with or without spaces.
func parseFrameArgs(args []string) (core.Frame, error) {
	idText := strings.TrimPrefix(strings.ToLower(args[0]), "0x")
	id, err := strconv.ParseUint(idText, 16, 32)
	if err != nil || id > core.MaxExtendedID {
		return core.Frame{}, fmt.Errorf("invalid id %q", args[0])
	}

	hexText := strings.Join(args[1:], "")
	hexText = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(hexText)
	data, err := hex.DecodeString(hexText)
	if err != nil {
		return core.Frame{}, fmt.Errorf("invalid payload %q: %w", strings.Join(args[1:], " "), err)
	}
	if len(data) > core.MaxDLC {
		return core.Frame{}, fmt.Errorf("payload has %d bytes, at most %d allowed", len(data), core.MaxDLC)
	}
	return core.NewFrame(uint32(id), data), nil
}
