// Command loadtest drives simulated users against an agora live server.
//
//	loadtest saturate --connections 5000
//	loadtest rooms --users 500 --topics 1,2,3 --posters 20
//
// Tokens are minted locally, so the signing secret (and issuer, if the
// server checks one) must match the server's.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agoranews/agora-live/internal/config"
	"github.com/agoranews/agora-live/loadtest/client"
	"github.com/agoranews/agora-live/loadtest/stats"
)

type commonFlags struct {
	url         string
	metricsURL  string
	firstUser   int64
	concurrency int
	ramp        time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	common := &commonFlags{}

	root := &cobra.Command{
		Use:   "loadtest",
		Short: "Load test an agora live server",
	}
	root.PersistentFlags().StringVar(&common.url, "url", "ws://localhost:8080/ws", "WebSocket endpoint")
	root.PersistentFlags().StringVar(&common.metricsURL, "metrics-url", "", "Prometheus endpoint to scrape during the run (optional)")
	root.PersistentFlags().Int64Var(&common.firstUser, "first-user", 1, "User id of the first simulated user")
	root.PersistentFlags().IntVar(&common.concurrency, "concurrency", 50, "Maximum simultaneous connection attempts")
	root.PersistentFlags().DurationVar(&common.ramp, "ramp", 10*time.Second, "Ramp-up duration")
	root.PersistentFlags().String("signing-secret", "", "Token signing secret (defaults to AGORA_AUTH_SIGNING_SECRET)")
	root.PersistentFlags().String("issuer", "", "Token issuer (defaults to AGORA_AUTH_ISSUER)")
	if err := v.BindPFlag("auth.signing_secret", root.PersistentFlags().Lookup("signing-secret")); err != nil {
		panic(err)
	}
	if err := v.BindPFlag("auth.issuer", root.PersistentFlags().Lookup("issuer")); err != nil {
		panic(err)
	}

	minter := func() (client.TokenMinter, error) {
		secret := v.GetString("auth.signing_secret")
		if secret == "" {
			return client.TokenMinter{}, fmt.Errorf("signing secret is required")
		}
		return client.TokenMinter{Secret: []byte(secret), Issuer: v.GetString("auth.issuer")}, nil
	}

	root.AddCommand(newSaturateCmd(common, minter), newRoomsCmd(common, minter))
	return root
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// startScraper attaches a scraper to collector when a metrics URL is set.
func startScraper(ctx context.Context, metricsURL string, collector *stats.Collector) func() {
	if metricsURL == "" {
		return func() {}
	}
	s := stats.NewScraper(metricsURL, 2*time.Second)
	s.Start(ctx)
	collector.SetScraper(s)
	return s.Stop
}
