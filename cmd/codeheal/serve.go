package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"codeheal/internal/guardian"
	"codeheal/internal/server"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the periodic scan loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		printBanner()
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			cfg.Server.Port = port
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		g, err := guardian.New(ctx, cfg)
		if err != nil {
			return err
		}
		log.Printf("✅ Guarding %s", cfg.ProjectPath)
		for _, st := range g.Capabilities.Statuses() {
			if st.Available {
				log.Printf("   ✅ %s", st.Name)
			} else {
				log.Printf("   ⚪ %s unavailable: %s", st.Name, st.Reason)
			}
		}

		srv := server.NewServer(g)
		eg, egCtx := errgroup.WithContext(ctx)
		eg.Go(func() error { return srv.Start(egCtx) })
		eg.Go(func() error {
			if err := g.Run(egCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})

		runErr := eg.Wait()
		log.Println("🛑 Shutting down codeheal...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := g.Close(shutdownCtx); err != nil {
			log.Printf("⚠️  Shutdown error: %v", err)
		}
		return runErr
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides SERVER_PORT)")
}
