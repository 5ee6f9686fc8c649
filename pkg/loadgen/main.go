package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	klog "k8s.io/klog/v2"

	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/client"
	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/config"
	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/dispatch"
	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/metrics"
	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/mockserver"
	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/payload"
	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/prompt"
	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/tracker"
)

var (
	envFile = flag.String("env_file", ".env", "optional file with environment variables, the process environment takes precedence")

	// Flags when running a local mock server.
	localServer            = flag.Bool("local_server", false, "whether to start a local mock chat completion server and send the load to it")
	localServerPort        = flag.Int("local_server_port", 8001, "port of the local mock server")
	localServerLatency     = flag.Duration("local_server_latency", 50*time.Millisecond, "latency of the local mock server")
	localServerFailureRate = flag.Float64("local_server_failure_rate", 0, "fraction of requests the local mock server fails")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	cfg, err := config.Load(*envFile)
	if err != nil {
		klog.Fatalf("failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if *localServer {
		mcfg := mockserver.DefaultConfig()
		mcfg.Latency = *localServerLatency
		mcfg.FailureRate = *localServerFailureRate
		ms := mockserver.New(mcfg)
		g.Go(func() error {
			return ms.ListenAndServe(ctx, fmt.Sprintf(":%d", *localServerPort))
		})
		cfg.Endpoint = fmt.Sprintf("http://localhost:%d/v1/chat/completions", *localServerPort)
		time.Sleep(time.Second) // wait until server is up
		klog.Info("Mock server started")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		klog.Fatalf("failed to register metrics: %v", err)
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, cfg.MetricsAddr, reg)
		})
	}

	d, err := newDispatcher(cfg, os.Stdout, m)
	if err != nil {
		klog.Fatalf("failed to initialize: %v", err)
	}
	g.Go(func() error {
		return d.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		klog.Errorf("Stopped: %v", err)
	}
	if d.Drain(cfg.DrainTimeout) {
		klog.Infof("All requests finished")
	}
}

func newDispatcher(cfg *config.Config, out io.Writer, observer dispatch.Observer) (*dispatch.Dispatcher, error) {
	schedule, err := dispatch.NewSchedule(cfg.TotalRPS, cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	selector, err := dispatch.NewSelector(cfg.Models, cfg.StreamPolicy, cfg.NoLatencyMode)
	if err != nil {
		return nil, err
	}

	var prompts prompt.Generator
	if cfg.PayloadSize > 0 {
		prompts, err = prompt.NewTemplate("", cfg.PayloadSize)
	} else {
		prompts, err = prompt.NewRandom(prompt.DefaultRandomConfig(), nil)
	}
	if err != nil {
		return nil, err
	}

	// Size the idle pool for about one second of traffic.
	poster := client.NewHTTP(cfg.RequestTimeout, cfg.TotalRPS)
	return dispatch.New(dispatch.Config{
		Endpoint:    cfg.Endpoint,
		Header:      client.Headers(cfg.APIKey, cfg.LogRequest),
		Schedule:    schedule,
		Selector:    selector,
		MaxInFlight: cfg.MaxInFlight,
	}, payload.NewBuilder(prompts), poster, tracker.New(cfg.WindowSize, out), dispatch.WithObserver(observer))
}
