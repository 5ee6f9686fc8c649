// Package dispatch sends batches of chat completion requests on a fixed ticker to sustain a
// target request rate.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	klog "k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/client"
	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/payload"
)

const requestIDHeader = "X-Request-Id"

// Recorder receives the latency of every finished request, failed ones included.
type Recorder interface {
	Record(latencyMs float64)
}

// Observer is notified about the lifecycle of every request.
type Observer interface {
	RequestStarted(p Plan)
	RequestFinished(p Plan, elapsed time.Duration, err error)
	RequestDropped(p Plan)
}

type noopObserver struct{}

func (noopObserver) RequestStarted(Plan)                         {}
func (noopObserver) RequestFinished(Plan, time.Duration, error) {}
func (noopObserver) RequestDropped(Plan)                         {}

type Config struct {
	Endpoint string
	Header   http.Header
	Schedule Schedule
	Selector Selector
	// MaxInFlight bounds the number of outstanding requests. Requests that would exceed it are
	// dropped. Zero means unbounded.
	MaxInFlight int
}

// Dispatcher fires Schedule.BatchSize requests every Schedule.Interval without waiting for
// earlier batches to finish, so it models offered load rather than completed throughput.
type Dispatcher struct {
	cfg      Config
	builder  *payload.Builder
	poster   client.Poster
	recorder Recorder
	observer Observer
	clock    clock.WithTicker

	// counter is only advanced by the goroutine running the ticker loop. It is atomic so that
	// it can be read while Run is active.
	counter  atomic.Uint64
	inFlight atomic.Int64
	dropped  atomic.Uint64

	pool *ants.Pool
	wg   sync.WaitGroup

	// reqCtx outlives Run so in-flight requests can be drained after the loop stops.
	reqCtx    context.Context
	cancelReq context.CancelFunc
}

type Option func(*Dispatcher)

func WithClock(c clock.WithTicker) Option {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

func New(cfg Config, builder *payload.Builder, poster client.Poster, recorder Recorder, opts ...Option) (*Dispatcher, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.Schedule.Interval <= 0 || cfg.Schedule.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidSchedule, cfg.Schedule)
	}
	if len(cfg.Selector.Models) == 0 {
		return nil, errors.New("at least one model is required")
	}
	d := &Dispatcher{
		cfg:      cfg,
		builder:  builder,
		poster:   poster,
		recorder: recorder,
		observer: noopObserver{},
		clock:    clock.RealClock{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if cfg.MaxInFlight > 0 {
		pool, err := ants.NewPool(cfg.MaxInFlight, ants.WithNonblocking(true), ants.WithPanicHandler(func(v any) {
			utilruntime.HandleError(fmt.Errorf("request worker panicked: %v", v))
		}))
		if err != nil {
			return nil, fmt.Errorf("failed to create request pool: %w", err)
		}
		d.pool = pool
	}
	d.reqCtx, d.cancelReq = context.WithCancel(context.Background())
	return d, nil
}

// Run dispatches batches until ctx is done. It does not wait for in-flight requests, see
// Drain.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.cfg.Schedule.Interval)
	defer ticker.Stop()

	klog.Infof("Dispatching to %s: %v, models %v, stream policy %v",
		d.cfg.Endpoint, d.cfg.Schedule, d.cfg.Selector.Models, d.cfg.Selector.Stream)
	for {
		select {
		case <-ctx.Done():
			klog.Infof("Stopped dispatching after %d requests, %d in flight", d.Dispatched(), d.InFlight())
			return nil
		case <-ticker.C():
			d.dispatchBatch()
		}
	}
}

// Drain waits up to timeout for in-flight requests to finish and then abandons the rest. It
// returns true if nothing was left in flight.
func (d *Dispatcher) Drain(timeout time.Duration) bool {
	defer func() {
		d.cancelReq()
		if d.pool != nil {
			d.pool.Release()
		}
	}()
	if timeout <= 0 {
		return d.InFlight() == 0
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		klog.Warningf("Abandoning %d in-flight requests after waiting %v", d.InFlight(), timeout)
		return false
	}
}

// Dispatched returns the number of requests issued so far, dropped ones included.
func (d *Dispatcher) Dispatched() uint64 {
	return d.counter.Load()
}

func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// nextBatch selects the plans of one batch and advances the counter.
func (d *Dispatcher) nextBatch() []Plan {
	plans := make([]Plan, d.cfg.Schedule.BatchSize)
	for i := range plans {
		plans[i] = d.cfg.Selector.Select(d.counter.Add(1) - 1)
	}
	return plans
}

func (d *Dispatcher) dispatchBatch() {
	plans := d.nextBatch()
	klog.V(4).Infof("Dispatching batch ending at request %d", d.Dispatched())
	for _, plan := range plans {
		d.launch(plan)
	}
}

func (d *Dispatcher) launch(plan Plan) {
	d.wg.Add(1)
	d.inFlight.Add(1)
	task := func() {
		defer d.wg.Done()
		defer d.inFlight.Add(-1)
		d.execute(plan)
	}
	if d.pool == nil {
		go task()
		return
	}
	if err := d.pool.Submit(task); err != nil {
		d.inFlight.Add(-1)
		d.wg.Done()
		d.dropped.Add(1)
		d.observer.RequestDropped(plan)
		klog.V(2).Infof("Dropped request to model %s (stream=%v): %v", plan.Model, plan.Stream, err)
	}
}

// execute sends one request and records its latency whatever the outcome.
func (d *Dispatcher) execute(plan Plan) {
	id := uuid.NewString()
	start := d.clock.Now()
	d.observer.RequestStarted(plan)

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			utilruntime.HandleError(fmt.Errorf("request %s to model %s panicked: %v", id, plan.Model, r))
		}
		d.finish(plan, id, d.clock.Since(start), err)
	}()

	body := d.builder.Build(plan.Model, plan.Stream)
	header := d.cfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(requestIDHeader, id)
	err = d.poster.Post(d.reqCtx, d.cfg.Endpoint, body, header)
}

func (d *Dispatcher) finish(plan Plan, id string, elapsed time.Duration, err error) {
	if err != nil && d.reqCtx.Err() != nil {
		klog.V(2).Infof("Abandoned request %s to model %s on shutdown", id, plan.Model)
		return
	}
	d.recorder.Record(float64(elapsed) / float64(time.Millisecond))
	d.observer.RequestFinished(plan, elapsed, err)
	if err != nil {
		klog.Errorf("Error calling %s with model %s (stream=%v, request %s): %v",
			d.cfg.Endpoint, plan.Model, plan.Stream, id, err)
	}
}
