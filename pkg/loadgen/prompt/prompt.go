// Package prompt produces synthetic user message text for load test requests.
package prompt

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Generator produces the user message of a chat completion request.
type Generator interface {
	Generate() string
}

var defaultVocabulary = []string{
	"the", "be", "to", "of", "and", "a", "in", "that", "have", "it", "for", "not", "on", "with",
	"he", "as", "you", "do", "at", "this", "but", "his", "by", "from", "they", "we", "say", "her",
	"she", "or", "an", "will", "my", "one", "all", "would", "there", "their", "what", "so", "up",
	"out", "if", "about", "who", "get", "which", "go", "me", "when", "make", "can", "like", "time",
	"no", "just", "him", "know", "take", "people", "into", "year", "your", "good", "some", "could",
	"data", "model", "system", "user", "input", "process", "random", "token", "artificial",
	"intelligence", "machine", "learning", "algorithm", "neural", "network", "deep", "training",
	"function", "parameter", "variable", "compute", "performance", "analysis", "testing", "development",
}

var defaultPunctuation = []string{".", ",", "?", "!", ";", ":"}

// RandomConfig controls the shape of randomly generated prompts.
type RandomConfig struct {
	// MinWords and MaxWords bound the word count, both inclusive.
	MinWords int
	MaxWords int
	// PunctuationProb is the chance that a word gets a trailing punctuation mark.
	PunctuationProb float64
	// NewlineProb is the chance that a word is followed by a newline instead of a space.
	NewlineProb float64
	Vocabulary  []string
	Punctuation []string
}

func DefaultRandomConfig() RandomConfig {
	return RandomConfig{
		MinWords:        750,
		MaxWords:        1500,
		PunctuationProb: 0.1,
		NewlineProb:     0.05,
		Vocabulary:      defaultVocabulary,
		Punctuation:     defaultPunctuation,
	}
}

func (c RandomConfig) Validate() error {
	var errs error
	if c.MinWords < 1 {
		errs = multierr.Append(errs, fmt.Errorf("min words must be positive, got %d", c.MinWords))
	}
	if c.MaxWords < c.MinWords {
		errs = multierr.Append(errs, fmt.Errorf("max words %d is less than min words %d", c.MaxWords, c.MinWords))
	}
	if c.PunctuationProb < 0 || c.PunctuationProb > 1 {
		errs = multierr.Append(errs, fmt.Errorf("punctuation probability %v not in [0, 1]", c.PunctuationProb))
	}
	if c.NewlineProb < 0 || c.NewlineProb > 1 {
		errs = multierr.Append(errs, fmt.Errorf("newline probability %v not in [0, 1]", c.NewlineProb))
	}
	if len(c.Vocabulary) == 0 {
		errs = multierr.Append(errs, errors.New("vocabulary is empty"))
	}
	if c.PunctuationProb > 0 && len(c.Punctuation) == 0 {
		errs = multierr.Append(errs, errors.New("punctuation set is empty"))
	}
	return errs
}

// Random generates prompts of random length from a fixed vocabulary. It is safe for concurrent
// use.
type Random struct {
	cfg RandomConfig

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandom returns a Random generator. A nil rnd seeds a new source from the current time.
func NewRandom(cfg RandomConfig, rnd *rand.Rand) (*Random, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid random prompt config: %w", err)
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Random{cfg: cfg, rnd: rnd}, nil
}

func (r *Random) Generate() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.cfg
	wordCount := c.MinWords + r.rnd.Intn(c.MaxWords-c.MinWords+1)

	var sb strings.Builder
	sb.Grow(wordCount * 8)
	for i := 0; i < wordCount; i++ {
		sb.WriteString(c.Vocabulary[r.rnd.Intn(len(c.Vocabulary))])
		if r.rnd.Float64() < c.PunctuationProb {
			sb.WriteString(c.Punctuation[r.rnd.Intn(len(c.Punctuation))])
		}
		if r.rnd.Float64() < c.NewlineProb {
			sb.WriteByte('\n')
		} else {
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}

const defaultTemplate = "Write as if you were a critic reviewing a new restaurant in San Francisco. "

// Template repeats a fixed sentence a configured number of times, giving prompts of a stable
// size.
type Template struct {
	text string
}

func NewTemplate(sentence string, repeat int) (*Template, error) {
	if repeat < 1 {
		return nil, fmt.Errorf("template repeat count must be positive, got %d", repeat)
	}
	if sentence == "" {
		sentence = defaultTemplate
	}
	return &Template{text: strings.Repeat(sentence, repeat)}, nil
}

func (t *Template) Generate() string {
	return t.text
}
