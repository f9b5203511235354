package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hbtz-dev/neuro2024simulator/internal/catalog"
	"github.com/hbtz-dev/neuro2024simulator/internal/score"
	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config, catalog and score files without decoding audio",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cat, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config  %s: ok\n", configPath)
		fmt.Fprintf(out, "catalog %s: %d tracks\n", cfg.Catalog.Path, len(cat.Tracks))
		if cfg.Score.Path == "" {
			return nil
		}

		s, err := score.Load(cfg.Score.Path)
		if err != nil {
			return err
		}
		if err := s.Check(func(id audio.TrackID) bool {
			_, ok := cat.Lookup(id)
			return ok
		}); err != nil {
			return err
		}
		fmt.Fprintf(out, "score   %s: %d threads\n", cfg.Score.Path, len(s.Threads))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
