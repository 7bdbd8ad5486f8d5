// Package stats aggregates metrics from many load test clients and prints a
// summary with percentile distributions.
package stats

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Collector aggregates client measurements. Safe for concurrent use.
type Collector struct {
	mu                 sync.Mutex
	connectLatencies   []time.Duration
	broadcastLatencies []time.Duration
	connections        int
	posts              int
	rateLimited        int
	errors             int
	startTime          time.Time
	scraper            *Scraper
}

// NewCollector creates a Collector whose clock starts now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a server metrics scraper whose summary is appended to
// the report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a completed handshake.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddPost records a post_message sent.
func (c *Collector) AddPost() {
	c.mu.Lock()
	c.posts++
	c.mu.Unlock()
}

// AddBroadcastLatency records the delay between a post and its delivery to
// one room member.
func (c *Collector) AddBroadcastLatency(d time.Duration) {
	c.mu.Lock()
	c.broadcastLatencies = append(c.broadcastLatencies, d)
	c.mu.Unlock()
}

// AddRateLimited records a rate_limited reply.
func (c *Collector) AddRateLimited() {
	c.mu.Lock()
	c.rateLimited++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// DeliveryCount returns the number of recorded broadcast deliveries.
func (c *Collector) DeliveryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.broadcastLatencies)
}

// Report writes the summary to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:      %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:   %d\n", c.connections)
	fmt.Fprintf(w, "Posts:         %d\n", c.posts)
	fmt.Fprintf(w, "Deliveries:    %d\n", len(c.broadcastLatencies))
	fmt.Fprintf(w, "Rate limited:  %d\n", c.rateLimited)
	fmt.Fprintf(w, "Errors:        %d\n", c.errors)

	if len(c.connectLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Connect Latency ---")
		fmt.Fprintln(w, "  "+Summarize(c.connectLatencies).String())
	}
	if len(c.broadcastLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Broadcast Latency ---")
		fmt.Fprintln(w, "  "+Summarize(c.broadcastLatencies).String())
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// Summary is a percentile distribution of durations.
type Summary struct {
	Count int
	Avg   time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
}

// Summarize computes the distribution of durations. The slice is sorted in
// place.
func Summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Summary{
		Count: n,
		Avg:   sum / time.Duration(n),
		P50:   durations[n/2],
		P95:   durations[rank(n, 95)],
		P99:   durations[rank(n, 99)],
		Max:   durations[n-1],
	}
}

// rank returns the index of the pct-th percentile in a sorted slice of n.
func rank(n, pct int) int {
	return (n*pct+99)/100 - 1
}

func (s Summary) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.Count,
	)
}
