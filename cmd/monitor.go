package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"firestige.xyz/canlens/internal/config"
	"firestige.xyz/canlens/internal/transmit"
	"firestige.xyz/canlens/internal/transport"
)

type monitorOptions struct {
	dbc    string
	record bool
	plan   string
}

var monitorFlags monitorOptions

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Decode live bus traffic",
	Long: `Open the configured transport and decode every received frame with the
DBC catalog. Events go to the configured sinks, or to stdout when none is set.

While running, type p to pause, r to resume and q to stop (followed by Enter).`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("failed to load config", err)
		}
		ctx, cancel := signalContext()
		defer cancel()

		if err := runMonitor(ctx, cfg, nil, monitorFlags, os.Stdin, os.Stdout); err != nil {
			exitWithError("monitor failed", err)
		}
	},
}

func init() {
	monitorCmd.Flags().StringVar(&monitorFlags.dbc, "dbc", "", "DBC file (overrides catalog.path)")
	monitorCmd.Flags().BoolVar(&monitorFlags.record, "record", false, "record a trace file under trace.dir")
	monitorCmd.Flags().StringVar(&monitorFlags.plan, "plan", "", "transmit plan to run alongside (overrides transmit.plan)")
}

func runMonitor(ctx context.Context, cfg *config.GlobalConfig, bus transport.Transport, o monitorOptions, in io.Reader, out io.Writer) error {
	out = &lockedWriter{w: out}

	rt, err := openRuntime(ctx, cfg, bus)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.loadCatalog(o.dbc, true); err != nil {
		return err
	}
	opts, err := rt.sessionOptions(out, o.record || cfg.Trace.Record)
	if err != nil {
		return err
	}

	planPath := o.plan
	if planPath == "" {
		planPath = cfg.Transmit.Plan
	}
	var tx *transmit.Scheduler
	if planPath != "" {
		plan, err := transmit.LoadPlan(planPath)
		if err != nil {
			return err
		}
		if tx, err = transmit.NewScheduler(rt.bus, rt.manager.Catalog(), plan); err != nil {
			return err
		}
		rt.manager.SetTransmitter(tx)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	id, err := rt.manager.StartLive(sessCtx, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "monitoring %s %s (session %s), p=pause r=resume q=quit\n",
		cfg.Transport.Type, cfg.Transport.Channel, id)

	var wg sync.WaitGroup
	txErr := make(chan error, 1)
	if tx != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txErr <- tx.Run(sessCtx)
		}()
	}
	keysCtx, stopKeys := context.WithCancel(sessCtx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchKeys(keysCtx, in, rt.manager, out)
	}()

	err = rt.manager.Wait()
	stopKeys()
	cancel()
	wg.Wait()

	printStats(out, rt.manager)
	if tx != nil {
		printTransmitStats(out, tx.Stats())
		if e := <-txErr; e != nil && err == nil {
			err = e
		}
	}
	return err
}

// lockedWriter serializes writes from the consumer and the keyboard loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
