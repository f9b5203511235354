package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/gopxl/beep/v2"
	"github.com/spf13/cobra"

	"github.com/hbtz-dev/neuro2024simulator/internal/catalog"
	"github.com/hbtz-dev/neuro2024simulator/pkg/audio/local"
)

var durationsCmd = &cobra.Command{
	Use:   "durations",
	Short: "Decode every catalog track and print its length",
	Long: `Decode every catalog track headlessly and print the length the scheduler
will use for it. Literal length_ms overrides are reported as such. Exits
non-zero when any track fails to decode.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, _, logFile := newLogger(cfg.Server, os.Stderr)
		defer logFile.Close()

		cat, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			return err
		}
		if cfg.Catalog.BaseDir != "" {
			cat.BaseDir = cfg.Catalog.BaseDir
		}
		p, err := local.New(
			local.WithSampleRate(beep.SampleRate(cfg.Audio.SampleRate)),
			local.WithResampleQuality(cfg.Audio.ResampleQuality),
			local.WithLogger(log),
		)
		if err != nil {
			return err
		}
		defer p.Close()

		report, err := catalog.LoadAll(cmd.Context(), p, cat,
			catalog.WithConcurrency(cfg.Catalog.LoadConcurrency),
			catalog.WithLogger(log),
		)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TRACK\tLENGTH_MS\tSOURCE")
		lengths := catalog.Lengths(p, cat)
		for _, id := range cat.IDs() {
			t, _ := cat.Lookup(id)
			source := "decoded"
			if _, ok := t.Length(); ok {
				source = "override"
			}
			if err := report.Failed[id]; err != nil {
				fmt.Fprintf(tw, "%s\t-\tfailed: %v\n", id, err)
				continue
			}
			fmt.Fprintf(tw, "%s\t%.3f\t%s\n", id, float64(lengths[id].Microseconds())/1000, source)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if !report.OK() {
			return fmt.Errorf("%d tracks failed to decode", len(report.Failed))
		}
		log.Debug("durations done", "elapsed", report.Elapsed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(durationsCmd)
}
