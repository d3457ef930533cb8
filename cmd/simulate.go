package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zoptal/abkit/internal/experiment"
	"github.com/zoptal/abkit/internal/model"
	"github.com/zoptal/abkit/internal/store"
	"github.com/zoptal/abkit/internal/track"
)

var (
	simulateSessions int
	simulateWorkers  int
	simulatePath     string
)

// simulateCmd drives N fresh sessions through the engine and prints
// the observed variant distribution next to the configured weights.
// Useful as a sanity check on experiment definitions before rollout.
var simulateCmd = &cobra.Command{
	Use:   "simulate <experiment-id>",
	Short: "Simulate assignments and print the variant distribution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		experimentID := args[0]

		experiments, err := experiment.LoadFile(cfg.Experiments.File)
		if err != nil {
			return err
		}

		var target *model.Experiment
		for i := range experiments {
			if experiments[i].ID == experimentID {
				target = &experiments[i]
				break
			}
		}
		if target == nil {
			return eris.Errorf("experiment %q not found in %s", experimentID, cfg.Experiments.File)
		}

		st := store.NewMemory()
		engine, err := experiment.NewEngine(experiments, st, track.Nop{})
		if err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(cmd.Context())
		g.SetLimit(simulateWorkers)
		for i := 0; i < simulateSessions; i++ {
			g.Go(func() error {
				visitor := model.Visitor{
					SessionID: uuid.New().String(),
					Path:      simulatePath,
				}
				if v := engine.Variant(ctx, visitor, experimentID); v == nil {
					return eris.Errorf("no variant assigned (is the experiment active for path %q?)", simulatePath)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		stats, err := st.Summary(context.Background(), experimentID)
		if err != nil {
			return err
		}

		fmt.Printf("%s: %d sessions\n", experimentID, simulateSessions)
		for _, stat := range stats {
			variant := target.Variant(stat.VariantID)
			observed := float64(stat.Assignments) / float64(simulateSessions)
			fmt.Printf("  %-20s observed %.4f  configured %.4f  (%d assignments)\n",
				stat.VariantID, observed, variant.Weight, stat.Assignments)
		}
		return nil
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulateSessions, "sessions", 100000, "number of sessions to simulate")
	simulateCmd.Flags().IntVar(&simulateWorkers, "workers", 8, "concurrent workers")
	simulateCmd.Flags().StringVar(&simulatePath, "path", "/", "page path for target filtering")
	rootCmd.AddCommand(simulateCmd)
}
