// Package tracker keeps a sliding time window of request latencies and reports tail latency
// statistics computed over it.
package tracker

import (
	"fmt"
	"io"
	"sync"
	"time"

	klog "k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

const DefaultWindowSize = 5 * time.Second

// Sample is a single latency measurement. Value is in milliseconds.
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// Stats summarizes the samples currently held in the window.
type Stats struct {
	Count  int
	Window time.Duration
	Mean   float64
	P90    float64
	P99    float64
}

// Tracker is safe for concurrent use. Every call to Record appends, prunes expired samples and,
// when at least one window has passed since the last report, writes a report to out.
//
// Reports are only evaluated on Record, so a period without traffic produces no report.
type Tracker struct {
	mu         sync.Mutex
	windowSize time.Duration
	samples    []Sample
	lastReport time.Time
	reports    int

	out   io.Writer
	clock clock.PassiveClock
}

type Option func(*Tracker)

// WithClock overrides the clock, tests use a fake one.
func WithClock(c clock.PassiveClock) Option {
	return func(t *Tracker) {
		t.clock = c
	}
}

func New(windowSize time.Duration, out io.Writer, opts ...Option) *Tracker {
	t := &Tracker{
		windowSize: windowSize,
		out:        out,
		clock:      clock.RealClock{},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.windowSize <= 0 {
		t.windowSize = DefaultWindowSize
	}
	t.lastReport = t.clock.Now()
	return t
}

// Record adds a latency sample, given in milliseconds.
func (t *Tracker) Record(latencyMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.samples = append(t.samples, Sample{Timestamp: now, Value: latencyMs})
	t.prune(now)

	if now.Sub(t.lastReport) >= t.windowSize {
		t.report()
		t.lastReport = now
	}
}

// prune drops the expired prefix of the window. Samples are appended under the lock with a
// non-decreasing timestamp, so everything after the first live sample is live as well.
func (t *Tracker) prune(now time.Time) {
	i := 0
	for i < len(t.samples) && now.Sub(t.samples[i].Timestamp) >= t.windowSize {
		i++
	}
	if i == 0 {
		return
	}
	// Copy the live tail down so the backing array does not grow without bound.
	n := copy(t.samples, t.samples[i:])
	clear(t.samples[n:])
	t.samples = t.samples[:n]
}

// Percentile returns the nearest-rank percentile of the window, or 0 when it is empty.
func (t *Tracker) Percentile(p float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Percentile(t.values(), p)
}

// Stats returns a snapshot of the current window.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats()
}

// Len returns the number of samples currently in the window.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.samples)
}

// Reports returns how many reports have been written so far.
func (t *Tracker) Reports() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reports
}

func (t *Tracker) values() []float64 {
	values := make([]float64, len(t.samples))
	for i, s := range t.samples {
		values[i] = s.Value
	}
	return values
}

func (t *Tracker) stats() Stats {
	values := t.values()
	stats := Stats{
		Count:  len(values),
		Window: t.windowSize,
	}
	if len(values) == 0 {
		return stats
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	stats.Mean = sum / float64(len(values))
	ps := Percentiles(values, 90, 99)
	stats.P90, stats.P99 = ps[0], ps[1]
	return stats
}

func (t *Tracker) report() {
	t.reports++
	stats := t.stats()
	klog.V(4).Infof("Reporting latency stats: %+v", stats)
	if err := WriteReport(t.out, stats); err != nil {
		klog.Errorf("failed to write latency report: %v", err)
	}
}

// WriteReport prints stats as a bordered block. An empty window prints a "no data" line.
func WriteReport(w io.Writer, stats Stats) error {
	if stats.Count == 0 {
		_, err := fmt.Fprintln(w, "No latency data available yet")
		return err
	}
	_, err := fmt.Fprintf(w,
		"\n--- Latency Stats (%d requests in last %gs) ---\n"+
			"Average: %.2fms\n"+
			"P90: %.2fms\n"+
			"P99: %.2fms\n"+
			"------------------------------\n",
		stats.Count, stats.Window.Seconds(), stats.Mean, stats.P90, stats.P99)
	return err
}
