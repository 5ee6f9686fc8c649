package client

import (
	"context"
	"net/http"
	"sync"
)

// FakePoster records every call. Err is returned for models listed in it, and OnPost, when
// set, runs before returning so tests can advance clocks or block.
type FakePoster struct {
	Err    map[string]error
	OnPost func(body any)

	mu    sync.Mutex
	calls []FakeCall
}

type FakeCall struct {
	URL    string
	Body   any
	Header http.Header
}

// modelOf extracts the model name from a request body that exposes one.
func modelOf(body any) string {
	if m, ok := body.(interface{ GetModel() string }); ok {
		return m.GetModel()
	}
	return ""
}

func (f *FakePoster) Post(ctx context.Context, url string, body any, header http.Header) error {
	f.mu.Lock()
	f.calls = append(f.calls, FakeCall{URL: url, Body: body, Header: header})
	f.mu.Unlock()

	if f.OnPost != nil {
		f.OnPost(body)
	}
	if err, ok := f.Err[modelOf(body)]; ok {
		return err
	}
	return nil
}

func (f *FakePoster) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.calls...)
}
