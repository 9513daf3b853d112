package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/engramlabs/engram/internal/consolidate"
	"github.com/engramlabs/engram/internal/server"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engram HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides config, e.g. :8750)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	opts := []server.Option{}
	var scheduler *consolidate.Scheduler
	consolidator, err := a.newConsolidator()
	if err != nil {
		return err
	}
	opts = append(opts, server.WithConsolidator(consolidator))

	if a.cfg.ConsolidationCron != "" {
		scheduler = consolidate.NewScheduler(consolidator)
		if err := scheduler.Register(a.cfg.ConsolidationCron, a.cfg.ConsolidationProject); err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	srv := server.NewServer(a.engine, a.searcher, a.graph, a.scorer, opts...)

	addr := a.cfg.Listen
	if serveListen != "" {
		addr = serveListen
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	cronEntries := 0
	if scheduler != nil {
		cronEntries = scheduler.Entries()
	}
	log.Info().
		Str("addr", addr).
		Str("backend", a.cfg.Backend).
		Str("embed_provider", a.cfg.EmbedProvider).
		Int("cron_entries", cronEntries).
		Msg("engram_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
