package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"k8s.io/apimachinery/pkg/util/wait"
	testingclock "k8s.io/utils/clock/testing"

	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/client"
	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/payload"
	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/prompt"
)

type fakeRecorder struct {
	mu      sync.Mutex
	samples []float64
}

func (r *fakeRecorder) Record(latencyMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, latencyMs)
}

func (r *fakeRecorder) Samples() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.samples...)
}

type fakeObserver struct {
	mu       sync.Mutex
	started  int
	finished int
	failed   int
	dropped  int
}

func (o *fakeObserver) RequestStarted(Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *fakeObserver) RequestFinished(_ Plan, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished++
	if err != nil {
		o.failed++
	}
}

func (o *fakeObserver) RequestDropped(Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped++
}

func newBuilder(t *testing.T) *payload.Builder {
	t.Helper()
	tmpl, err := prompt.NewTemplate("hi ", 1)
	if err != nil {
		t.Fatal(err)
	}
	return payload.NewBuilder(tmpl)
}

func newConfig(t *testing.T, totalRPS, batchSize int, models []string, policy StreamPolicy) Config {
	t.Helper()
	schedule, err := NewSchedule(totalRPS, batchSize)
	if err != nil {
		t.Fatalf("NewSchedule(%d, %d) returned unexpected error: %v", totalRPS, batchSize, err)
	}
	selector, err := NewSelector(models, policy, false)
	if err != nil {
		t.Fatal(err)
	}
	return Config{
		Endpoint: "http://target/v1/chat/completions",
		Header:   client.Headers("key", "true"),
		Schedule: schedule,
		Selector: selector,
	}
}

func poll(t *testing.T, cond func() bool) {
	t.Helper()
	err := wait.PollUntilContextTimeout(context.Background(), time.Millisecond, 5*time.Second, true,
		func(context.Context) (bool, error) { return cond(), nil })
	if err != nil {
		t.Fatalf("Condition not met: %v", err)
	}
}

func TestNextBatch(t *testing.T) {
	cfg := newConfig(t, 40, 4, []string{"A", "B", "C"}, AlternatingPairs)
	d, err := New(cfg, newBuilder(t), &client.FakePoster{}, &fakeRecorder{})
	if err != nil {
		t.Fatal(err)
	}

	got := append(d.nextBatch(), d.nextBatch()...)
	want := []Plan{
		{Model: "A", Stream: true},
		{Model: "B", Stream: true},
		{Model: "C", Stream: false},
		{Model: "A", Stream: false},
		{Model: "B", Stream: true},
		{Model: "C", Stream: true},
		{Model: "A", Stream: false},
		{Model: "B", Stream: false},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Unexpected plans (-want +got): %v", diff)
	}
	if got := d.Dispatched(); got != 8 {
		t.Errorf("Dispatched() = %d, want 8", got)
	}
}

func TestRunRate(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Unix(1700000000, 0))
	poster := &client.FakePoster{}
	rec := &fakeRecorder{}
	cfg := newConfig(t, 500, 10, nil, AlternatingPairs)
	if cfg.Schedule.Interval != 20*time.Millisecond {
		t.Fatalf("Interval = %v, want 20ms", cfg.Schedule.Interval)
	}
	d, err := New(cfg, newBuilder(t), poster, rec, WithClock(fc))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- d.Run(ctx) }()
	poll(t, fc.HasWaiters)

	// Nothing is sent before the first tick.
	if got := d.Dispatched(); got != 0 {
		t.Fatalf("Dispatched() = %d before the first tick, want 0", got)
	}

	const ticks = 10
	for i := 1; i <= ticks; i++ {
		fc.Step(cfg.Schedule.Interval)
		want := uint64(i * cfg.Schedule.BatchSize)
		poll(t, func() bool { return d.Dispatched() == want })
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned unexpected error: %v", err)
	}
	if !d.Drain(5 * time.Second) {
		t.Fatalf("Drain did not finish, %d in flight", d.InFlight())
	}

	// 200ms at 500 rps is 100 requests.
	if got := len(poster.Calls()); got != 100 {
		t.Errorf("Got %d calls, want 100", got)
	}
	if got := len(rec.Samples()); got != 100 {
		t.Errorf("Got %d samples, want 100", got)
	}
	for _, call := range poster.Calls() {
		if call.URL != cfg.Endpoint {
			t.Errorf("Call URL = %q, want %q", call.URL, cfg.Endpoint)
		}
		if call.Header.Get(requestIDHeader) == "" {
			t.Errorf("Call is missing the %s header", requestIDHeader)
		}
	}
}

func TestFailedRequestIsRecorded(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Unix(1700000000, 0))
	poster := &client.FakePoster{
		Err: map[string]error{"B": errors.New("connection refused")},
		OnPost: func(any) {
			fc.Step(150 * time.Millisecond)
		},
	}
	rec := &fakeRecorder{}
	obs := &fakeObserver{}
	// One request per batch, so the clock is stepped by a single request at a time.
	cfg := newConfig(t, 1, 1, []string{"A", "B"}, NeverStream)
	d, err := New(cfg, newBuilder(t), poster, rec, WithClock(fc), WithObserver(obs))
	if err != nil {
		t.Fatal(err)
	}

	d.dispatchBatch()
	poll(t, func() bool { return len(rec.Samples()) == 1 })
	d.dispatchBatch()
	poll(t, func() bool { return len(rec.Samples()) == 2 })
	d.dispatchBatch()
	poll(t, func() bool { return len(rec.Samples()) == 3 })

	if diff := cmp.Diff([]float64{150, 150, 150}, rec.Samples()); diff != "" {
		t.Errorf("Unexpected samples (-want +got): %v", diff)
	}
	if got := d.Dispatched(); got != 3 {
		t.Errorf("Dispatched() = %d, want 3", got)
	}
	// The failure of the second request does not shift the selection of the third.
	var models []string
	for _, call := range poster.Calls() {
		models = append(models, call.Body.(*payload.ChatCompletionRequest).Model)
	}
	if diff := cmp.Diff([]string{"A", "B", "A"}, models); diff != "" {
		t.Errorf("Unexpected models (-want +got): %v", diff)
	}
	poll(t, func() bool { return d.InFlight() == 0 })
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.started != 3 || obs.finished != 3 || obs.failed != 1 {
		t.Errorf("Observer saw started=%d finished=%d failed=%d, want 3/3/1", obs.started, obs.finished, obs.failed)
	}
}

func TestPanickingRequestIsRecovered(t *testing.T) {
	poster := &client.FakePoster{
		OnPost: func(any) { panic("boom") },
	}
	rec := &fakeRecorder{}
	obs := &fakeObserver{}
	cfg := newConfig(t, 20, 2, []string{"A"}, NeverStream)
	d, err := New(cfg, newBuilder(t), poster, rec, WithObserver(obs))
	if err != nil {
		t.Fatal(err)
	}

	d.dispatchBatch()
	d.dispatchBatch()
	poll(t, func() bool { return len(rec.Samples()) == 4 })
	poll(t, func() bool { return d.InFlight() == 0 })

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.failed != 4 {
		t.Errorf("Observer saw %d failures, want 4", obs.failed)
	}
}

func TestMaxInFlight(t *testing.T) {
	release := make(chan struct{})
	poster := &client.FakePoster{
		OnPost: func(any) { <-release },
	}
	rec := &fakeRecorder{}
	obs := &fakeObserver{}
	cfg := newConfig(t, 50, 5, []string{"A"}, NeverStream)
	cfg.MaxInFlight = 3
	d, err := New(cfg, newBuilder(t), poster, rec, WithObserver(obs))
	if err != nil {
		t.Fatal(err)
	}

	d.dispatchBatch()
	poll(t, func() bool { return len(poster.Calls()) == 3 })
	if got := d.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
	if got := d.Dispatched(); got != 5 {
		t.Errorf("Dispatched() = %d, want 5", got)
	}
	if got := d.InFlight(); got != 3 {
		t.Errorf("InFlight() = %d, want 3", got)
	}

	close(release)
	if !d.Drain(5 * time.Second) {
		t.Fatalf("Drain did not finish, %d in flight", d.InFlight())
	}
	if got := len(rec.Samples()); got != 3 {
		t.Errorf("Got %d samples, want 3", got)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.dropped != 2 {
		t.Errorf("Observer saw %d drops, want 2", obs.dropped)
	}
}

func TestDrainAbandons(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	poster := &client.FakePoster{
		OnPost: func(any) { <-block },
	}
	rec := &fakeRecorder{}
	cfg := newConfig(t, 10, 1, []string{"A"}, NeverStream)
	d, err := New(cfg, newBuilder(t), poster, rec)
	if err != nil {
		t.Fatal(err)
	}

	d.dispatchBatch()
	poll(t, func() bool { return len(poster.Calls()) == 1 })
	if d.Drain(0) {
		t.Errorf("Drain(0) = true with a request in flight, want false")
	}
}

func TestNewValidation(t *testing.T) {
	valid := newConfig(t, 10, 1, []string{"A"}, NeverStream)
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "missing endpoint",
			mutate: func(c *Config) { c.Endpoint = "" },
		},
		{
			name:   "zero schedule",
			mutate: func(c *Config) { c.Schedule = Schedule{} },
		},
		{
			name:   "no models",
			mutate: func(c *Config) { c.Selector.Models = nil },
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := valid
			test.mutate(&cfg)
			if _, err := New(cfg, newBuilder(t), &client.FakePoster{}, &fakeRecorder{}); err == nil {
				t.Errorf("New succeeded, want error")
			}
		})
	}
}
