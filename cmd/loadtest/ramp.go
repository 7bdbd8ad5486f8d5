package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agoranews/agora-live/loadtest/client"
	"github.com/agoranews/agora-live/loadtest/stats"
)

// ramp opens n connections spread over common.ramp, at most
// common.concurrency dialing at once. setup runs for each client after its
// handshake, before it is returned. The returned slice is indexed by user
// slot; failed slots are nil.
func ramp(ctx context.Context, common *commonFlags, minter client.TokenMinter, n int,
	collector *stats.Collector, setup func(slot int, c *client.Client)) []*client.Client {

	clients := make([]*client.Client, n)
	interval := common.ramp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}
	concurrency := common.concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	progressDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d\n",
					collector.ConnectionCount(), n, collector.ErrorCount())
			case <-progressDone:
				return
			}
		}
	}()
	defer close(progressDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for slot := 0; slot < n; slot++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return clients
		case <-ticker.C:
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			defer func() { <-sem }()

			userID := common.firstUser + int64(slot)
			token, err := minter.Mint(userID, fmt.Sprintf("loadtest-%d", userID))
			if err != nil {
				collector.AddError()
				return
			}

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			c, err := client.New(connCtx, common.url, token)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitForSession(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			if setup != nil {
				setup(slot, c)
			}
			clients[slot] = c
		}(slot)
	}
	wg.Wait()
	return clients
}

func closeAll(clients []*client.Client) {
	for _, c := range clients {
		if c != nil {
			c.Close()
		}
	}
}

func alive(clients []*client.Client) (open, total int) {
	for _, c := range clients {
		if c == nil {
			continue
		}
		total++
		select {
		case <-c.Done():
		default:
			open++
		}
	}
	return open, total
}
