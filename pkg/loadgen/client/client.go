// Package client posts JSON requests to the endpoint under test.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	klog "k8s.io/klog/v2"
)

// Poster sends a single request and reports whether it succeeded. The response body is not
// validated.
type Poster interface {
	Post(ctx context.Context, url string, body any, header http.Header) error
}

// StatusError is returned for responses with a non-2xx status code.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code from %s: %d", e.URL, e.StatusCode)
}

// Headers returns the request headers expected by the target gateway.
func Headers(apiKey, logRequest string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+apiKey)
	h.Set("X-TFY-METADATA", fmt.Sprintf(`{"tfy_log_request":%q}`, logRequest))
	return h
}

// HTTP is a Poster backed by a shared http.Client and its connection pool.
type HTTP struct {
	Client *http.Client
	// Timeout bounds a single request including reading the response body. Zero means no
	// timeout beyond the caller's context.
	Timeout time.Duration
}

// NewHTTP returns a client whose transport keeps enough idle connections around for
// maxConns concurrent requests to a single host.
func NewHTTP(timeout time.Duration, maxConns int) *HTTP {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if maxConns > 0 {
		transport.MaxIdleConns = maxConns
		transport.MaxIdleConnsPerHost = maxConns
	}
	return &HTTP{
		Client:  &http.Client{Transport: transport},
		Timeout: timeout,
	}
}

func (c *HTTP) Post(ctx context.Context, url string, body any, header http.Header) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	cl := c.Client
	if cl == nil {
		cl = http.DefaultClient
	}
	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post to %s: %w", url, err)
	}
	defer resp.Body.Close()

	// Read the whole body so that streamed responses are timed to their last chunk and the
	// connection can be reused.
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	klog.V(4).Infof("Read %d response bytes from %s with status %d", n, url, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}
