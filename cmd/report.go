package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zoptal/abkit/internal/store"
)

var reportEvent string

var reportCmd = &cobra.Command{
	Use:   "report <experiment-id>",
	Short: "Print per-variant assignment and conversion counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		experimentID := args[0]

		st, err := openStore(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.Summary(cmd.Context(), experimentID)
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			fmt.Printf("%s: no assignments recorded\n", experimentID)
			return nil
		}

		fmt.Printf("%-20s %12s %12s %12s %8s\n", "variant", "assignments", "page_views", "conversions", "rate")
		for _, stat := range stats {
			fmt.Printf("%-20s %12d %12d %12d %7.2f%%\n",
				stat.VariantID, stat.Assignments, stat.PageViews, stat.Conversions, stat.Rate*100)
		}

		if reportEvent != "" {
			events, err := st.ListEvents(cmd.Context(), store.EventFilter{
				ExperimentID: experimentID,
				Name:         reportEvent,
			})
			if err != nil {
				return err
			}
			fmt.Printf("\n%d %q event(s)\n", len(events), reportEvent)
		}

		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportEvent, "event", "", "also count events with this name")
	rootCmd.AddCommand(reportCmd)
}
