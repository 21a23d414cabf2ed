package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"codeheal/internal/guardian"
	"codeheal/internal/scan"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var crawlCmd = &cobra.Command{
	Use:   "crawl [dir...]",
	Short: "Crawl one or more directories once and print a summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		autoFix, _ := cmd.Flags().GetBool("auto-fix")
		exts, _ := cmd.Flags().GetStringSlice("ext")
		if len(args) == 0 {
			args = []string{cfg.ProjectPath}
		}

		g, err := guardian.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := g.Close(shutdownCtx); err != nil {
				log.Printf("⚠️  Shutdown: %v", err)
			}
		}()

		handles := g.Scans.StartParallelCrawls(args, g.CrawlOptions(autoFix, exts))
		finished := awaitCrawls(ctx, func() {
			g.Scans.Wait()
			if autoFix {
				g.Pipelines.Wait()
			}
		})
		if !finished {
			log.Println("🛑 Interrupted, stopping crawls...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := g.Scans.Shutdown(shutdownCtx); err != nil {
				log.Printf("⚠️  Crawl shutdown: %v", err)
			}
		}

		printCrawlSummary(g, handles)
		return nil
	},
}

// awaitCrawls runs wait and returns true when it finishes, or false as
// soon as ctx ends.
func awaitCrawls(ctx context.Context, wait func()) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func printCrawlSummary(g *guardian.Guardian, handles []scan.Handle) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("=== Crawl Summary ==="))
	for _, h := range handles {
		if !h.Success {
			fmt.Printf("  %s %s: %s\n", red("✗"), h.Target, h.Message)
			continue
		}
		job, err := g.Scans.GetJob(h.CrawlID)
		if err != nil {
			fmt.Printf("  %s %s: %v\n", red("✗"), h.Target, err)
			continue
		}
		icon := green("✓")
		if job.State != scan.CrawlStateComplete {
			icon = yellow("!")
		}
		fmt.Printf("  %s %s (%s)\n", icon, job.Target, job.State)
		fmt.Printf("    Files scanned:  %d\n", job.Stats.FilesScanned)
		fmt.Printf("    Issues found:   %d\n", job.Stats.IssuesFound)
		fmt.Printf("    Auto-approved:  %s\n", green(job.Stats.IssuesAutoApproved))
		fmt.Printf("    Auto-fixed:     %s\n", green(job.Stats.IssuesAutoFixed))
		fmt.Printf("    Needing review: %s\n", yellow(job.Stats.IssuesNeedingReview))
		if job.Stats.Errors > 0 || job.Error != "" {
			fmt.Printf("    Errors:         %s %s\n", red(job.Stats.Errors), job.Error)
		}
	}
	fmt.Println()
}

func init() {
	crawlCmd.Flags().Bool("auto-fix", false, "auto-approve safe, confident fixes")
	crawlCmd.Flags().StringSlice("ext", nil, "file extensions to scan (default from CRAWL_EXTENSIONS)")
}
