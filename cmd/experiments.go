package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zoptal/abkit/internal/experiment"
)

var experimentsCmd = &cobra.Command{
	Use:   "experiments",
	Short: "Inspect experiment definitions",
}

var experimentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments from the definition file",
	RunE: func(cmd *cobra.Command, args []string) error {
		experiments, err := experiment.LoadFile(cfg.Experiments.File)
		if err != nil {
			return err
		}

		for _, exp := range experiments {
			status := "inactive"
			if exp.Active {
				status = "active"
			}
			fmt.Printf("%s  %s  (%s)\n", exp.ID, exp.Name, status)
			if exp.TargetPath != "" {
				fmt.Printf("    path: %s\n", exp.TargetPath)
			}
			for _, v := range exp.Variants {
				fmt.Printf("    %-20s weight %.3f\n", v.ID, v.Weight)
			}
		}
		return nil
	},
}

var experimentsValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the experiment definition file",
	RunE: func(cmd *cobra.Command, args []string) error {
		experiments, err := experiment.LoadFile(cfg.Experiments.File)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d experiment(s) valid, weights normalized\n", cfg.Experiments.File, len(experiments))
		return nil
	},
}

func init() {
	experimentsCmd.AddCommand(experimentsListCmd)
	experimentsCmd.AddCommand(experimentsValidateCmd)
	rootCmd.AddCommand(experimentsCmd)
}
