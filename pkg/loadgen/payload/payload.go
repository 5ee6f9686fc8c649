// Package payload builds chat completion request bodies.
package payload

import (
	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/prompt"
)

const DefaultSystemPrompt = "You are an AI bot."

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingParams are sent unchanged with every request.
type SamplingParams struct {
	Temperature       float64  `json:"temperature"`
	MaxTokens         int      `json:"max_tokens"`
	TopP              float64  `json:"top_p"`
	TopK              int      `json:"top_k"`
	FrequencyPenalty  float64  `json:"frequency_penalty"`
	PresencePenalty   float64  `json:"presence_penalty"`
	RepetitionPenalty float64  `json:"repetition_penalty"`
	Stop              []string `json:"stop"`
}

func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		Temperature:       0.7,
		MaxTokens:         256,
		TopP:              0.8,
		TopK:              50,
		FrequencyPenalty:  0,
		PresencePenalty:   0,
		RepetitionPenalty: 1,
		Stop:              []string{"</s>"},
	}
}

// ChatCompletionRequest is the JSON body posted to the target endpoint.
type ChatCompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	SamplingParams
	Stream bool `json:"stream"`
}

func (r *ChatCompletionRequest) GetModel() string {
	return r.Model
}

// Builder assembles requests. Model and stream mode are trusted as given.
type Builder struct {
	SystemPrompt string
	Sampling     SamplingParams
	Prompts      prompt.Generator
}

func NewBuilder(prompts prompt.Generator) *Builder {
	return &Builder{
		SystemPrompt: DefaultSystemPrompt,
		Sampling:     DefaultSamplingParams(),
		Prompts:      prompts,
	}
}

func (b *Builder) Build(model string, stream bool) *ChatCompletionRequest {
	sampling := b.Sampling
	sampling.Stop = append([]string(nil), b.Sampling.Stop...)
	return &ChatCompletionRequest{
		Model: model,
		Messages: []Message{
			{Role: "system", Content: b.SystemPrompt},
			{Role: "user", Content: b.Prompts.Generate()},
		},
		SamplingParams: sampling,
		Stream:         stream,
	}
}
