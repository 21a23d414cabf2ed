package main

import (
	"context"
	"fmt"
	"log"

	"codeheal/internal/calibration"
	"codeheal/internal/guardian"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print calibration accuracy per fix method and domain",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		g, err := guardian.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := g.Close(ctx); err != nil {
				log.Printf("⚠️  Shutdown: %v", err)
			}
		}()

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()

		overall, err := g.Calibrator.Report(ctx, "", "")
		if err != nil {
			return err
		}
		fmt.Printf("\n%s\n", cyan("=== Calibration Report ==="))
		fmt.Printf("  Samples: %d  predicted %.2f  actual %.2f  error %.3f\n\n",
			overall.SampleCount, overall.MeanPredicted, overall.MeanActual, overall.CalibrationError)

		for _, method := range g.FixMethods {
			fmt.Printf("%s\n", yellow(method))
			for _, domain := range calibration.Domains {
				r, err := g.Calibrator.Report(ctx, method, domain)
				if err != nil {
					return err
				}
				if r.SampleCount == 0 {
					fmt.Printf("  %-12s %s\n", domain, gray("no samples"))
					continue
				}
				fmt.Printf("  %-12s n=%-4d actual %.2f  bias %+.2f\n", domain, r.SampleCount, r.MeanActual, r.Bias)
			}
		}
		fmt.Println()
		return nil
	},
}
