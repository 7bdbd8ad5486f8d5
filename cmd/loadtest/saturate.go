package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agoranews/agora-live/loadtest/client"
	"github.com/agoranews/agora-live/loadtest/stats"
)

func newSaturateCmd(common *commonFlags, minter func() (client.TokenMinter, error)) *cobra.Command {
	var (
		connections int
		hold        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "saturate",
		Short: "Open many idle authenticated connections and hold them",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := minter()
			if err != nil {
				return err
			}
			if connections <= 0 {
				return fmt.Errorf("connections must be positive")
			}
			return runSaturate(common, m, connections, hold)
		},
	}
	cmd.Flags().IntVar(&connections, "connections", 1000, "Number of connections to open")
	cmd.Flags().DurationVar(&hold, "hold", 30*time.Second, "How long to hold connections open")
	return cmd
}

func runSaturate(common *commonFlags, minter client.TokenMinter, connections int, hold time.Duration) error {
	ctx, stop := signalContext()
	defer stop()

	fmt.Printf("Saturate: %d connections to %s (ramp=%s, hold=%s)\n", connections, common.url, common.ramp, hold)
	collector := stats.NewCollector()
	stopScraper := startScraper(ctx, common.metricsURL, collector)

	start := time.Now()
	clients := ramp(ctx, common, minter, connections, collector, nil)
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), connections, time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	if ctx.Err() == nil {
		fmt.Printf("Holding for %s...\n", hold)
		holdTimer := time.NewTimer(hold)
		status := time.NewTicker(5 * time.Second)
	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				break holdLoop
			case <-status.C:
				open, total := alive(clients)
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", open, total, total-open)
			}
		}
		holdTimer.Stop()
		status.Stop()
	}

	open, total := alive(clients)
	if total > open {
		fmt.Printf("\nConnections dropped during hold: %d\n", total-open)
	}
	closeAll(clients)
	stopScraper()
	collector.Report(os.Stdout)
	return nil
}
