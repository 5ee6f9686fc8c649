package test

import (
	"context"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"

	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/dispatch"
	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/mockserver"
	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/tracker"
)

// runFor runs d for about duration and returns how long it actually ran. In-flight requests
// are drained before returning.
func runFor(d *dispatch.Dispatcher, duration time.Duration) time.Duration {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	start := time.Now()
	go func() { done <- d.Run(ctx) }()
	time.Sleep(duration)
	cancel()
	Eventually(done).Should(Receive(BeNil()))
	elapsed := time.Since(start)
	Expect(d.Drain(5 * time.Second)).To(BeTrue())
	return elapsed
}

var _ = Describe("Load generator", func() {
	var (
		ms       *mockserver.Server
		endpoint string
		out      *gbytes.Buffer
		tr       *tracker.Tracker
		rec      *CountingRecorder
	)

	start := func(cfg mockserver.Config) {
		var srv interface{ Close() }
		ms, srv, endpoint = StartMockServer(cfg)
		DeferCleanup(srv.Close)
		out = gbytes.NewBuffer()
		tr = tracker.New(200*time.Millisecond, out)
		rec = &CountingRecorder{Next: tr}
	}

	Context("against a healthy server", func() {
		BeforeEach(func() {
			cfg := mockserver.DefaultConfig()
			cfg.Latency = 5 * time.Millisecond
			start(cfg)
		})

		It("sustains the target rate and reports latency", func() {
			selector, err := dispatch.NewSelector([]string{"A", "B", "C"}, dispatch.AlternatingPairs, false)
			Expect(err).NotTo(HaveOccurred())
			// 200 rps in batches of 10 is one batch every 50ms.
			d, err := NewDispatcher(endpoint, 200, 10, selector, rec)
			Expect(err).NotTo(HaveOccurred())

			elapsed := runFor(d, time.Second)

			expected := float64(elapsed/(50*time.Millisecond)) * 10
			// One batch of tolerance for the partially elapsed last interval plus one for
			// scheduling jitter of the test process.
			Expect(float64(d.Dispatched())).To(BeNumerically("~", expected, 20))
			Expect(ms.Requests()).To(BeEquivalentTo(d.Dispatched()))
			Expect(rec.Count()).To(BeEquivalentTo(d.Dispatched()))

			// Round robin spreads the load evenly over the models and streams half of it.
			n := int(d.Dispatched())
			models := ms.Models()
			Expect(models).To(HaveLen(3))
			for _, m := range []string{"A", "B", "C"} {
				Expect(models[m]).To(BeNumerically("~", n/3, 1))
			}
			Expect(ms.Streamed()).To(BeNumerically("~", n/2, 2))

			Expect(out).To(gbytes.Say(`--- Latency Stats \(\d+ requests in last 0.2s\) ---`))
			Expect(out).To(gbytes.Say(`Average: \d+\.\d{2}ms`))
			Expect(out).To(gbytes.Say(`P90: \d+\.\d{2}ms`))
			Expect(out).To(gbytes.Say(`P99: \d+\.\d{2}ms`))
			Expect(tr.Percentile(99)).To(BeNumerically(">=", 5))
		})

		It("only sends the no-latency model in no-latency mode", func() {
			selector, err := dispatch.NewSelector([]string{"A", "B"}, dispatch.AlwaysStream, true)
			Expect(err).NotTo(HaveOccurred())
			d, err := NewDispatcher(endpoint, 100, 5, selector, rec)
			Expect(err).NotTo(HaveOccurred())

			runFor(d, 300*time.Millisecond)

			Expect(d.Dispatched()).To(BeNumerically(">", 0))
			Expect(ms.Models()).To(Equal(map[string]int{dispatch.NoLatencyModel: int(d.Dispatched())}))
			Expect(ms.Streamed()).To(BeZero())
		})
	})

	Context("against a failing server", func() {
		BeforeEach(func() {
			start(mockserver.Config{FailureRate: 1, FailureStatus: http.StatusInternalServerError})
		})

		It("records a latency sample for every failed request and keeps going", func() {
			selector, err := dispatch.NewSelector(nil, dispatch.AlternatingPairs, false)
			Expect(err).NotTo(HaveOccurred())
			d, err := NewDispatcher(endpoint, 100, 10, selector, rec)
			Expect(err).NotTo(HaveOccurred())

			runFor(d, 500*time.Millisecond)

			// Failures do not stop the schedule: several batches went out.
			Expect(d.Dispatched()).To(BeNumerically(">=", 30))
			Expect(ms.Failures()).To(BeEquivalentTo(d.Dispatched()))
			Expect(rec.Count()).To(BeEquivalentTo(d.Dispatched()))
		})
	})
})
