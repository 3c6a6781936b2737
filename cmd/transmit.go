package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/canlens/internal/config"
	"firestige.xyz/canlens/internal/transmit"
	"firestige.xyz/canlens/internal/transport"
)

type transmitOptions struct {
	dbc      string
	duration time.Duration
}

var transmitFlags transmitOptions

var transmitCmd = &cobra.Command{
	Use:   "transmit <plan.yaml>",
	Short: "Send frames periodically from a plan",
	Long: `Send every enabled row of a transmit plan on its cycle until interrupted,
q is typed, or --for elapses. Rows given as signal values are encoded with the
DBC catalog.

Plan format:
  messages:
    - name: heartbeat
      id: 0x123
      dlc: 2
      data: "01 02"
      cycle_ms: 100
    - id: 0x100
      signals: {EngineSpeed: 2000}
      cycle_ms: 20`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("failed to load config", err)
		}
		ctx, cancel := signalContext()
		defer cancel()

		if err := runTransmit(ctx, cfg, nil, args[0], transmitFlags, os.Stdin, os.Stdout); err != nil {
			exitWithError("transmit failed", err)
		}
	},
}

func init() {
	transmitCmd.Flags().StringVar(&transmitFlags.dbc, "dbc", "", "DBC file for signal rows (overrides catalog.path)")
	transmitCmd.Flags().DurationVar(&transmitFlags.duration, "for", 0, "stop after this long (0 runs until interrupted)")
}

func runTransmit(ctx context.Context, cfg *config.GlobalConfig, bus transport.Transport, path string, o transmitOptions, in io.Reader, out io.Writer) error {
	out = &lockedWriter{w: out}

	plan, err := transmit.LoadPlan(path)
	if err != nil {
		return err
	}

	rt, err := openRuntime(ctx, cfg, bus)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.loadCatalog(o.dbc, false); err != nil {
		return err
	}
	tx, err := transmit.NewScheduler(rt.bus, rt.manager.Catalog(), plan)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if o.duration > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, o.duration)
		defer cancel()
	}

	fmt.Fprintf(out, "transmitting %d rows from %s, p=pause r=resume q=quit\n", len(plan.Rows), path)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchKeys(runCtx, in, &schedulerControl{s: tx, cancel: cancel}, out)
	}()

	err = tx.Run(runCtx)
	cancel()
	wg.Wait()

	printTransmitStats(out, tx.Stats())
	return err
}

// schedulerControl lets the keyboard drive a scheduler.
type schedulerControl struct {
	s      *transmit.Scheduler
	cancel context.CancelFunc
}

func (c *schedulerControl) Pause() error  { c.s.Pause(); return nil }
func (c *schedulerControl) Resume() error { c.s.Resume(); return nil }
func (c *schedulerControl) Stop() error   { c.cancel(); return nil }

func printTransmitStats(out io.Writer, stats []transmit.RowStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROW\tID\tSENT\tFAILED")
	for _, st := range stats {
		fmt.Fprintf(w, "%s\t%03X\t%d\t%d\n", st.Label, st.ID, st.Sent, st.Failed)
	}
	w.Flush()
}
