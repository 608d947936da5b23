package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// series the report covers, in print order. Keys are a metric name, or
// name:result for one result label of a counter vector. A bare vector name
// sums every label series.
var series = []struct {
	key   string
	title string
	gauge bool
}{
	{"rt_connections_total", "Connections", true},
	{"rt_active_identities", "Identities", true},
	{"rt_rooms_total", "Rooms", true},
	{"rt_auth_total:success", "Auth ok", false},
	{"rt_auth_total:replaced", "Replaced", false},
	{"rt_events_total:delivered", "Delivered", false},
	{"rt_events_total:excluded", "Excluded", false},
	{"rt_events_total:evicted", "Evicted", false},
	{"rt_terminations_total", "Terminations", false},
}

const (
	fanoutSum   = "rt_dispatch_latency_seconds_sum"
	fanoutCount = "rt_dispatch_latency_seconds_count"
)

type sample struct {
	at     time.Time
	values map[string]float64
}

// Scraper polls the server's /metrics endpoint during a run so the report
// can show how server-side gauges and counters moved under load.
type Scraper struct {
	url      string
	interval time.Duration
	http     *http.Client

	mu      sync.Mutex
	samples []sample

	stop chan struct{}
	done chan struct{}
}

// NewScraper creates a Scraper for metricsURL polling every interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		http:     &http.Client{Timeout: 5 * time.Second},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start samples once right away, then in the background until ctx ends or
// Stop is called. A last sample is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	s.sample()
	go func() {
		defer close(s.done)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.sample()
			case <-ctx.Done():
				s.sample()
				return
			case <-s.stop:
				s.sample()
				return
			}
		}
	}()
}

// Stop ends sampling and waits for the final sample.
func (s *Scraper) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

// sample records the current values. Failures are skipped since the
// server may not be listening yet.
func (s *Scraper) sample() {
	resp, err := s.http.Get(s.url)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	values, err := parseExposition(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.samples = append(s.samples, sample{at: time.Now(), values: values})
	s.mu.Unlock()
}

// parseExposition reads Prometheus text format into a flat map. Every
// series adds into its metric name; series with a result label are also
// stored under name:result.
func parseExposition(r io.Reader) (map[string]float64, error) {
	values := make(map[string]float64)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, v, ok := parseMetricLine(line)
		if !ok || !strings.HasPrefix(name, "rt_") {
			continue
		}
		values[name] += v
		if result := label(line, "result"); result != "" {
			values[name+":"+result] = v
		}
	}
	return values, sc.Err()
}

// parseMetricLine splits `name{labels} value` into the bare metric name and
// its value.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	sp := strings.LastIndexByte(line, ' ')
	if sp <= 0 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(line[sp+1:], 64)
	if err != nil {
		return "", 0, false
	}
	name = strings.TrimSpace(line[:sp])
	if i := strings.IndexByte(name, '{'); i >= 0 {
		if !strings.HasSuffix(name, "}") {
			return "", 0, false
		}
		name = name[:i]
	}
	if name == "" || strings.ContainsAny(name, " \t") {
		return "", 0, false
	}
	return name, v, true
}

// label returns the value of label key on a metric line, or "".
func label(line, key string) string {
	i := strings.Index(line, key+`="`)
	if i < 0 {
		return ""
	}
	rest := line[i+len(key)+2:]
	if j := strings.IndexByte(rest, '"'); j >= 0 {
		return rest[:j]
	}
	return ""
}

// Report prints gauges as start/end/peak and counters as the increase and
// rate over the sampled window, then the mean fan-out latency.
func (s *Scraper) Report() {
	s.mu.Lock()
	samples := append([]sample(nil), s.samples...)
	s.mu.Unlock()

	if len(samples) < 2 {
		fmt.Printf("\n--- Server Metrics: %d sample(s), nothing to compare ---\n", len(samples))
		return
	}
	first, last := samples[0], samples[len(samples)-1]
	window := last.at.Sub(first.at)

	fmt.Printf("\n--- Server Metrics: %d samples over %s ---\n", len(samples), window.Round(time.Second))
	fmt.Printf("  %-14s %10s %10s %10s\n", "Gauge", "Start", "End", "Peak")
	for _, m := range series {
		if !m.gauge {
			continue
		}
		peak := first.values[m.key]
		for _, smp := range samples {
			peak = max(peak, smp.values[m.key])
		}
		fmt.Printf("  %-14s %10.0f %10.0f %10.0f\n", m.title, first.values[m.key], last.values[m.key], peak)
	}

	fmt.Printf("\n  %-14s %10s %10s\n", "Counter", "Increase", "Per sec")
	for _, m := range series {
		if m.gauge {
			continue
		}
		inc := last.values[m.key] - first.values[m.key]
		fmt.Printf("  %-14s %10.0f %10.1f\n", m.title, inc, inc/window.Seconds())
	}

	if n := last.values[fanoutCount] - first.values[fanoutCount]; n > 0 {
		mean := time.Duration((last.values[fanoutSum] - first.values[fanoutSum]) / n * float64(time.Second))
		fmt.Printf("\n  Fan-out mean %s over %.0f events\n", mean, n)
	} else {
		fmt.Println("\n  Fan-out: no events dispatched")
	}
}
