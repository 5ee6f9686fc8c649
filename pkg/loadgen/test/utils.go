// Package test contains end-to-end tests of the load generator against a mock chat completion
// server.
package test

import (
	"net/http/httptest"
	"sync/atomic"

	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/client"
	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/dispatch"
	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/mockserver"
	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/payload"
	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/prompt"
)

const completionsPath = "/v1/chat/completions"

// StartMockServer starts a mock server on a random local port and returns it together with
// the chat completion endpoint URL.
func StartMockServer(cfg mockserver.Config) (*mockserver.Server, *httptest.Server, string) {
	ms := mockserver.New(cfg)
	srv := httptest.NewServer(ms.Handler())
	return ms, srv, srv.URL + completionsPath
}

// CountingRecorder counts samples before passing them on.
type CountingRecorder struct {
	Next  dispatch.Recorder
	count atomic.Int64
}

func (r *CountingRecorder) Record(latencyMs float64) {
	r.count.Add(1)
	if r.Next != nil {
		r.Next.Record(latencyMs)
	}
}

func (r *CountingRecorder) Count() int64 {
	return r.count.Load()
}

// NewDispatcher wires a dispatcher with small fixed-size prompts.
func NewDispatcher(endpoint string, totalRPS, batchSize int, selector dispatch.Selector, rec dispatch.Recorder, opts ...dispatch.Option) (*dispatch.Dispatcher, error) {
	schedule, err := dispatch.NewSchedule(totalRPS, batchSize)
	if err != nil {
		return nil, err
	}
	prompts, err := prompt.NewTemplate("", 2)
	if err != nil {
		return nil, err
	}
	return dispatch.New(dispatch.Config{
		Endpoint: endpoint,
		Header:   client.Headers("test-key", "true"),
		Schedule: schedule,
		Selector: selector,
	}, payload.NewBuilder(prompts), client.NewHTTP(0, totalRPS), rec, opts...)
}
