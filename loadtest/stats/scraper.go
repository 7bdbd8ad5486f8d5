package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot holds the tracked server metrics at one point in time.
type snapshot struct {
	timestamp     time.Time
	connections   float64
	activeRooms   float64
	events        float64
	hidden        float64
	notifications float64
	latencySum    float64
	latencyCount  float64
}

// Scraper periodically fetches the server's Prometheus endpoint and keeps
// snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot now and then every interval until ctx ends or Stop
// is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce(context.Background())
				return
			case <-ticker.C:
				s.scrapeOnce(ctx)
			}
		}
	}()
}

// Stop stops the scraper and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce(ctx context.Context) {
	snap, err := s.fetch(ctx)
	if err != nil {
		// Server may not be up yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch(ctx context.Context) (snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.metricsURL, nil)
	if err != nil {
		return snapshot{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snapshot{}, fmt.Errorf("metrics: status %d", resp.StatusCode)
	}
	return parseSnapshot(resp.Body, time.Now())
}

// parseSnapshot reads the text exposition format. Labelled series of the
// same metric are summed.
func parseSnapshot(r io.Reader, now time.Time) (snapshot, error) {
	snap := snapshot{timestamp: now}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		switch name {
		case "agora_connections_total":
			snap.connections = value
		case "agora_active_rooms":
			snap.activeRooms = value
		case "agora_events_total":
			snap.events += value
		case "agora_messages_hidden_total":
			snap.hidden += value
		case "agora_notifications_total":
			snap.notifications += value
		case "agora_event_latency_seconds_sum":
			snap.latencySum += value
		case "agora_event_latency_seconds_count":
			snap.latencyCount += value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits "name{labels} value" into the bare name and value.
func parseMetricLine(line string) (string, float64, bool) {
	name := line
	rest := ""
	if i := strings.IndexByte(line, '{'); i != -1 {
		j := strings.IndexByte(line[i:], '}')
		if j == -1 {
			return "", 0, false
		}
		name, rest = line[:i], line[i+j+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", 0, false
		}
		name, rest = fields[0], strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report writes initial, final, delta and peak values for each tracked
// metric.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label   string
		extract func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Active Rooms", func(s snapshot) float64 { return s.activeRooms }},
		{"Events", func(s snapshot) float64 { return s.events }},
		{"Hidden", func(s snapshot) float64 { return s.hidden }},
		{"Notifications", func(s snapshot) float64 { return s.notifications }},
	}

	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, row := range rows {
		initial, final := row.extract(first), row.extract(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			row.label, initial, final, final-initial, peak(snaps, row.extract))
	}

	fmt.Fprintln(w)
	if count := last.latencyCount - first.latencyCount; count > 0 {
		fmt.Fprintf(w, "  %-16s avg: %.4fs  (%.0f observations)\n",
			"Event Latency", (last.latencySum-first.latencySum)/count, count)
	} else {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", "Event Latency")
	}
}

func peak(snaps []snapshot, extract func(snapshot) float64) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > p {
			p = v
		}
	}
	return p
}
