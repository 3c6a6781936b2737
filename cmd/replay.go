package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"firestige.xyz/canlens/internal/config"
	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/trace"
	"firestige.xyz/canlens/internal/transport"
)

type replayOptions struct {
	dbc   string
	speed float64
}

var replayFlags replayOptions

var replayCmd = &cobra.Command{
	Use:   "replay <file.trc>",
	Short: "Re-send a recorded trace with its recorded timing",
	Long: `Send every frame of a trace file on the configured transport, spaced by
the recorded offsets divided by --speed. Sent frames are decoded and dispatched
to the sinks like live traffic.

Pause time does not count against the schedule: after r the replay continues
where it stopped.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("failed to load config", err)
		}
		ctx, cancel := signalContext()
		defer cancel()

		if err := runReplay(ctx, cfg, nil, args[0], replayFlags, os.Stdin, os.Stdout); err != nil {
			exitWithError("replay failed", err)
		}
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFlags.dbc, "dbc", "", "DBC file (overrides catalog.path)")
	replayCmd.Flags().Float64Var(&replayFlags.speed, "speed", 0, "playback speed factor (overrides replay.speed)")
}

func runReplay(ctx context.Context, cfg *config.GlobalConfig, bus transport.Transport, path string, o replayOptions, in io.Reader, out io.Writer) error {
	out = &lockedWriter{w: out}

	f, err := trace.LoadFile(path)
	if err != nil {
		return err
	}
	if len(f.Entries) == 0 {
		return fmt.Errorf("%s: %w (%d malformed lines)", path, core.ErrEmptyTrace, f.Skipped)
	}

	rt, err := openRuntime(ctx, cfg, bus)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.loadCatalog(o.dbc, true); err != nil {
		return err
	}
	opts, err := rt.sessionOptions(out, false)
	if err != nil {
		return err
	}
	if o.speed > 0 {
		opts.Speed = o.speed
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	id, err := rt.manager.StartReplay(sessCtx, f.Entries, opts)
	if err != nil {
		return err
	}
	last := f.Entries[len(f.Entries)-1].Offset()
	fmt.Fprintf(out, "replaying %d frames (%s recorded, speed %gx) from %s (session %s)\n",
		len(f.Entries), last, opts.Speed, path, id)

	var wg sync.WaitGroup
	keysCtx, stopKeys := context.WithCancel(sessCtx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchKeys(keysCtx, in, rt.manager, out)
	}()

	err = rt.manager.Wait()
	stopKeys()
	wg.Wait()

	printStats(out, rt.manager)
	return err
}
