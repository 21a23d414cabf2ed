package main

import (
	"fmt"
	"log"
	"os"

	"codeheal/internal/config"
	"codeheal/internal/guardian"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is set at compile time
var Version = "dev"

var (
	cfg      *config.Config
	settings *config.SettingsManager
)

var rootCmd = &cobra.Command{
	Use:     "codeheal",
	Short:   "Detect, fix, review and monitor code issues",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil {
			log.Println("⚠️  No .env file found, using environment variables only")
		}
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if project, _ := cmd.Flags().GetString("project"); project != "" {
			loaded.ProjectPath = project
		}
		settings = config.NewSettingsManager(nil)
		if err := settings.UpdateSettings(loaded); err != nil {
			return err
		}
		if err := guardian.EnsureDataDir(loaded); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("project", "p", "", "project root to guard (overrides PROJECT_PATH)")
	rootCmd.AddCommand(serveCmd, crawlCmd, reportCmd, configCmd)
}

func printBanner() {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Println(cyan("╔════════════════════════════════════════════════╗"))
	fmt.Println(cyan("║     codeheal · detect → fix → review → learn   ║"))
	fmt.Println(cyan("╚════════════════════════════════════════════════╝"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
