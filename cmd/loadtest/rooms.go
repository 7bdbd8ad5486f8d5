package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/agoranews/agora-live/internal/protocol"
	"github.com/agoranews/agora-live/loadtest/client"
	"github.com/agoranews/agora-live/loadtest/stats"
)

const noncePrefix = "lt:"

type roomsFlags struct {
	users    int
	topics   []int64
	posters  int
	messages int
	interval time.Duration
	drain    time.Duration
}

func newRoomsCmd(common *commonFlags, minter func() (client.TokenMinter, error)) *cobra.Command {
	f := &roomsFlags{}
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "Spread users across topic rooms and measure broadcast latency",
		Long: "Each user joins one topic. The first --posters users post --messages " +
			"messages each, and every delivery to a room member is timed. Posting " +
			"users must exist in the database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := minter()
			if err != nil {
				return err
			}
			if err := f.validate(); err != nil {
				return err
			}
			return runRooms(common, m, f)
		},
	}
	cmd.Flags().IntVar(&f.users, "users", 100, "Number of simulated users")
	cmd.Flags().Int64SliceVar(&f.topics, "topics", []int64{1}, "Topic ids to spread users across")
	cmd.Flags().IntVar(&f.posters, "posters", 10, "How many users post")
	cmd.Flags().IntVar(&f.messages, "messages", 5, "Messages per posting user")
	cmd.Flags().DurationVar(&f.interval, "interval", 2500*time.Millisecond, "Delay between one user's posts")
	cmd.Flags().DurationVar(&f.drain, "drain", 3*time.Second, "How long to wait for deliveries after the last post")
	return cmd
}

func (f *roomsFlags) validate() error {
	if f.users <= 0 {
		return fmt.Errorf("users must be positive")
	}
	if len(f.topics) == 0 {
		return fmt.Errorf("at least one topic is required")
	}
	for _, id := range f.topics {
		if id <= 0 {
			return fmt.Errorf("invalid topic id %d", id)
		}
	}
	if f.posters < 0 || f.posters > f.users {
		return fmt.Errorf("posters must be between 0 and users")
	}
	return nil
}

// topicFor assigns user slots to topics round robin.
func topicFor(slot int, topics []int64) int64 {
	return topics[slot%len(topics)]
}

func nonce(slot, seq int) string {
	return fmt.Sprintf("%s%d:%d", noncePrefix, slot, seq)
}

// parseNonce reports whether content was posted by this run.
func parseNonce(content string) (slot, seq int, ok bool) {
	rest, found := strings.CutPrefix(content, noncePrefix)
	if !found {
		return 0, 0, false
	}
	a, b, found := strings.Cut(rest, ":")
	if !found {
		return 0, 0, false
	}
	slot, err := strconv.Atoi(a)
	if err != nil {
		return 0, 0, false
	}
	seq, err = strconv.Atoi(b)
	if err != nil {
		return 0, 0, false
	}
	return slot, seq, true
}

// sentLog remembers when each nonce was posted.
type sentLog struct {
	mu   sync.Mutex
	sent map[string]time.Time
}

func (l *sentLog) mark(n string, at time.Time) {
	l.mu.Lock()
	l.sent[n] = at
	l.mu.Unlock()
}

func (l *sentLog) since(n string, now time.Time) (time.Duration, bool) {
	l.mu.Lock()
	at, ok := l.sent[n]
	l.mu.Unlock()
	if !ok {
		return 0, false
	}
	return now.Sub(at), true
}

func runRooms(common *commonFlags, minter client.TokenMinter, f *roomsFlags) error {
	ctx, stop := signalContext()
	defer stop()

	fmt.Printf("Rooms: %d users across %d topics, %d posters x %d messages\n",
		f.users, len(f.topics), f.posters, f.messages)

	collector := stats.NewCollector()
	stopScraper := startScraper(ctx, common.metricsURL, collector)
	log := &sentLog{sent: make(map[string]time.Time)}

	clients := ramp(ctx, common, minter, f.users, collector, func(slot int, c *client.Client) {
		c.On(protocol.TypeReceiveMessage, func(raw json.RawMessage) {
			var m protocol.ReceiveMessageMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				return
			}
			if _, _, ok := parseNonce(m.Message.Content); !ok {
				return
			}
			if d, ok := log.since(m.Message.Content, time.Now()); ok {
				collector.AddBroadcastLatency(d)
			}
		})
		c.On(protocol.TypeRateLimited, func(json.RawMessage) { collector.AddRateLimited() })
		c.On(protocol.TypeError, func(raw json.RawMessage) {
			var m protocol.ErrorMsg
			_ = json.Unmarshal(raw, &m)
			fmt.Printf("  [error] user slot %d: %s %s\n", slot, m.Code, m.Message)
			collector.AddError()
		})
		if err := c.JoinTopic(topicFor(slot, f.topics)); err != nil {
			collector.AddError()
		}
	})

	if ctx.Err() == nil && f.posters > 0 {
		fmt.Println("\n--- Posting phase ---")
		postAll(ctx, clients[:f.posters], f, log, collector)

		select {
		case <-ctx.Done():
		case <-time.After(f.drain):
		}
	}

	closeAll(clients)
	stopScraper()
	collector.Report(os.Stdout)
	return nil
}

func postAll(ctx context.Context, posters []*client.Client, f *roomsFlags, log *sentLog, collector *stats.Collector) {
	var wg sync.WaitGroup
	for slot, c := range posters {
		if c == nil {
			continue
		}
		wg.Add(1)
		go func(slot int, c *client.Client) {
			defer wg.Done()
			topicID := topicFor(slot, f.topics)
			for seq := 0; seq < f.messages; seq++ {
				if seq > 0 {
					select {
					case <-ctx.Done():
						return
					case <-time.After(f.interval):
					}
				}
				n := nonce(slot, seq)
				log.mark(n, time.Now())
				if err := c.Post(topicID, n); err != nil {
					collector.AddError()
					return
				}
				collector.AddPost()
			}
		}(slot, c)
	}
	wg.Wait()
}
