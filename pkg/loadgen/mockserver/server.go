// Package mockserver is a fake OpenAI compatible chat completion server with configurable
// latency and failures. It is used for local runs and hermetic tests of the load generator.
package mockserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	klog "k8s.io/klog/v2"
)

type Config struct {
	// Latency is applied before the first byte of every response.
	Latency time.Duration
	// Chunks and ChunkDelay shape streamed responses.
	Chunks     int
	ChunkDelay time.Duration
	// FailureRate is the fraction of requests answered with FailureStatus.
	FailureRate   float64
	FailureStatus int
}

func DefaultConfig() Config {
	return Config{
		Latency:       10 * time.Millisecond,
		Chunks:        5,
		ChunkDelay:    time.Millisecond,
		FailureStatus: http.StatusServiceUnavailable,
	}
}

type chatRequest struct {
	Model  string `json:"model" binding:"required"`
	Stream bool   `json:"stream"`
}

type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason *string  `json:"finish_reason"`
}

type Message struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Server counts requests per model and stream mode.
type Server struct {
	cfg    Config
	engine *gin.Engine

	requests atomic.Uint64
	failures atomic.Uint64

	mu       sync.Mutex
	rnd      *rand.Rand
	perModel map[string]int
	streamed int
}

func New(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:      cfg,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		perModel: map[string]int{},
	}
	if s.cfg.FailureStatus == 0 {
		s.cfg.FailureStatus = http.StatusServiceUnavailable
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/v1/chat/completions", s.handleChatCompletion)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Requests returns the number of chat completion requests received.
func (s *Server) Requests() uint64 {
	return s.requests.Load()
}

// Failures returns the number of requests answered with an injected failure.
func (s *Server) Failures() uint64 {
	return s.failures.Load()
}

// Models returns the number of requests received per model.
func (s *Server) Models() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make(map[string]int, len(s.perModel))
	for k, v := range s.perModel {
		res[k] = v
	}
	return res
}

// Streamed returns the number of requests that asked for a streamed response.
func (s *Server) Streamed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamed
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("failed to shut down mock server: %v", err)
		}
	}()
	klog.Infof("Starting mock chat completion server on %q", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleChatCompletion(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		klog.V(2).Infof("Rejecting malformed request: %v", err)
		c.JSON(http.StatusBadRequest, errorBody("invalid_request_error", err.Error()))
		return
	}
	s.requests.Add(1)
	fail := s.record(req)
	klog.V(4).Infof("Mock request for model %s (stream=%v, fail=%v)", req.Model, req.Stream, fail)

	if !sleep(c.Request.Context(), s.cfg.Latency) {
		return
	}
	if fail {
		s.failures.Add(1)
		c.JSON(s.cfg.FailureStatus, errorBody("server_error", fmt.Sprintf("simulated error %d", s.cfg.FailureStatus)))
		return
	}
	if req.Stream {
		s.stream(c, req.Model)
		return
	}

	stop := "stop"
	c.JSON(http.StatusOK, Response{
		ID:      fmt.Sprintf("mock-%d", s.requests.Load()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Message:      &Message{Role: "assistant", Content: "Hello! I'm a mock LLM response."},
			FinishReason: &stop,
		}},
		Usage: Usage{PromptTokens: 10, CompletionTokens: 15, TotalTokens: 25},
	})
}

// record updates the per model counters and decides whether the request fails.
func (s *Server) record(req chatRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perModel[req.Model]++
	if req.Stream {
		s.streamed++
	}
	return s.cfg.FailureRate > 0 && s.rnd.Float64() < s.cfg.FailureRate
}

func (s *Server) stream(c *gin.Context, model string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	sent := 0
	c.Stream(func(w io.Writer) bool {
		if sent < s.cfg.Chunks {
			if sent > 0 && !sleep(c.Request.Context(), s.cfg.ChunkDelay) {
				return false
			}
			fmt.Fprintf(w, "data: {\"object\":\"chat.completion.chunk\",\"model\":%q,\"choices\":[{\"index\":0,\"delta\":{\"content\":\"token%d \"},\"finish_reason\":null}]}\n\n", model, sent)
			sent++
			return true
		}
		fmt.Fprintf(w, "data: {\"object\":\"chat.completion.chunk\",\"model\":%q,\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n", model)
		fmt.Fprint(w, "data: [DONE]\n\n")
		return false
	})
}

func errorBody(typ, msg string) gin.H {
	return gin.H{"error": gin.H{"message": msg, "type": typ}}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
