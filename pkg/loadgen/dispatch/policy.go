package dispatch

import (
	"fmt"
	"strings"
)

// NoLatencyModel is the only model used in no-latency mode.
const NoLatencyModel = "openai-fake-provider/no-latency-model"

// DefaultModels are cycled through when no models are configured.
var DefaultModels = []string{
	"openai-fake-provider/gpt-3-5-turbo",
	"openai-fake-provider/gpt-4",
	"gpt-3-5",
}

// Plan is the shape of a single request.
type Plan struct {
	Model  string
	Stream bool
}

// StreamPolicy decides the stream flag of the request with the given counter value.
type StreamPolicy int

const (
	// AlternatingPairs streams the first two requests of every group of four.
	AlternatingPairs StreamPolicy = iota
	AlwaysStream
	NeverStream
)

var streamPolicyNames = map[StreamPolicy]string{
	AlternatingPairs: "alternating-pairs",
	AlwaysStream:     "always",
	NeverStream:      "never",
}

func (p StreamPolicy) String() string {
	if name, ok := streamPolicyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("StreamPolicy(%d)", int(p))
}

func ParseStreamPolicy(s string) (StreamPolicy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return AlternatingPairs, nil
	}
	for p, name := range streamPolicyNames {
		if s == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown stream policy %q", s)
}

func (p StreamPolicy) Stream(counter uint64) bool {
	switch p {
	case AlwaysStream:
		return true
	case NeverStream:
		return false
	default:
		return counter%4 < 2
	}
}

// Selector picks the model and stream mode round robin over the request counter, so the mix
// of requests is reproducible.
type Selector struct {
	Models []string
	Stream StreamPolicy
}

func NewSelector(models []string, stream StreamPolicy, noLatencyMode bool) (Selector, error) {
	if noLatencyMode {
		return Selector{Models: []string{NoLatencyModel}, Stream: NeverStream}, nil
	}
	if len(models) == 0 {
		models = DefaultModels
	}
	for i, m := range models {
		if m == "" {
			return Selector{}, fmt.Errorf("model %d is empty", i)
		}
	}
	return Selector{Models: append([]string(nil), models...), Stream: stream}, nil
}

func (s Selector) Select(counter uint64) Plan {
	return Plan{
		Model:  s.Models[counter%uint64(len(s.Models))],
		Stream: s.Stream.Stream(counter),
	}
}
