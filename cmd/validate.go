package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/canlens/internal/catalog"
	"firestige.xyz/canlens/internal/config"
	"firestige.xyz/canlens/internal/sink"
	"firestige.xyz/canlens/internal/transmit"
	"firestige.xyz/canlens/internal/transport"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the configuration file along with the DBC catalog, transmit plan,
transport and sinks it references, without opening the bus.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("configuration validation failed", err)
		}
		if err := runValidate(cfg, os.Stdout); err != nil {
			exitWithError("configuration validation failed", err)
		}
	},
}

func runValidate(cfg *config.GlobalConfig, out io.Writer) error {
	var errs []error

	if _, err := transport.New(cfg.Transport); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}

	var cat *catalog.Catalog
	if cfg.Catalog.Path != "" {
		c, err := catalog.LoadFile(cfg.Catalog.Path, catalog.Options{Strict: cfg.Catalog.Strict})
		if err != nil {
			errs = append(errs, fmt.Errorf("catalog: %w", err))
		} else {
			cat = c
			fmt.Fprintf(out, "catalog:   %s (%d messages, %d skipped records)\n", cfg.Catalog.Path, c.Len(), len(c.Warnings()))
		}
	}

	if cfg.Transmit.Plan != "" {
		plan, err := transmit.LoadPlan(cfg.Transmit.Plan)
		if err == nil {
			_, err = transmit.NewScheduler(nil, cat, plan)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("transmit plan: %w", err))
		} else {
			fmt.Fprintf(out, "plan:      %s (%d rows)\n", cfg.Transmit.Plan, len(plan.Rows))
		}
	}

	if _, err := sink.Build(cfg.Sinks); err != nil {
		errs = append(errs, fmt.Errorf("sinks: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	fmt.Fprintf(out, "transport: %s %s @ %d bit/s\n", cfg.Transport.Type, cfg.Transport.Channel, cfg.Transport.Bitrate)
	fmt.Fprintf(out, "sinks:     %d configured\n", len(cfg.Sinks))
	fmt.Fprintln(out, "Configuration is valid")
	return nil
}
