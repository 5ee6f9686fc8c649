// Package config loads the load generator configuration from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/dispatch"
)

const DefaultEndpoint = "https://internal.devtest.truefoundry.tech/api/llm/api/inference/openai/chat/completions"

// Environment variable names.
const (
	EnvEndpoint       = "ENDPOINT"
	EnvAPIKey         = "API_KEY"
	EnvLogRequest     = "TFY_LOG_REQUEST"
	EnvTotalRPS       = "TOTAL_RPS"
	EnvBatchSize      = "BATCH_SIZE"
	EnvNoLatencyMode  = "NO_LATENCY_MODE"
	EnvPayloadSize    = "PAYLOAD_SIZE"
	EnvModels         = "MODELS"
	EnvStreamPolicy   = "STREAM_POLICY"
	EnvWindowSize     = "WINDOW_SIZE"
	EnvRequestTimeout = "REQUEST_TIMEOUT"
	EnvMaxInFlight    = "MAX_IN_FLIGHT"
	EnvDrainTimeout   = "DRAIN_TIMEOUT"
	EnvMetricsAddr    = "METRICS_ADDR"
)

type Config struct {
	Endpoint string
	APIKey   string
	// LogRequest is sent to the gateway in the metadata header, "true" or "false".
	LogRequest    string
	TotalRPS      int
	BatchSize     int
	NoLatencyMode bool
	// PayloadSize, when positive, replaces random prompts with a fixed template repeated
	// PayloadSize times.
	PayloadSize    int
	Models         []string
	StreamPolicy   dispatch.StreamPolicy
	WindowSize     time.Duration
	RequestTimeout time.Duration
	MaxInFlight    int
	DrainTimeout   time.Duration
	// MetricsAddr is the listen address of the prometheus endpoint, empty to disable it.
	MetricsAddr string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(EnvEndpoint, DefaultEndpoint)
	v.SetDefault(EnvAPIKey, "")
	v.SetDefault(EnvLogRequest, "true")
	v.SetDefault(EnvTotalRPS, 500)
	v.SetDefault(EnvBatchSize, 10)
	v.SetDefault(EnvNoLatencyMode, false)
	v.SetDefault(EnvPayloadSize, 0)
	v.SetDefault(EnvModels, strings.Join(dispatch.DefaultModels, ","))
	v.SetDefault(EnvStreamPolicy, dispatch.AlternatingPairs.String())
	v.SetDefault(EnvWindowSize, "5s")
	v.SetDefault(EnvRequestTimeout, "60s")
	v.SetDefault(EnvMaxInFlight, 0)
	v.SetDefault(EnvDrainTimeout, "0s")
	v.SetDefault(EnvMetricsAddr, "")
}

// Load reads the configuration from the environment. Values missing from the environment are
// looked up in envFile, if it exists, and then fall back to defaults.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	var errs error
	toInt := func(key string) int {
		i, err := cast.ToIntE(v.Get(key))
		errs = multierr.Append(errs, wrap(key, err))
		return i
	}
	toBool := func(key string) bool {
		b, err := cast.ToBoolE(v.Get(key))
		errs = multierr.Append(errs, wrap(key, err))
		return b
	}
	toDuration := func(key string) time.Duration {
		d, err := cast.ToDurationE(v.Get(key))
		errs = multierr.Append(errs, wrap(key, err))
		return d
	}

	cfg := &Config{
		Endpoint:       strings.TrimSpace(v.GetString(EnvEndpoint)),
		APIKey:         v.GetString(EnvAPIKey),
		LogRequest:     strings.TrimSpace(v.GetString(EnvLogRequest)),
		TotalRPS:       toInt(EnvTotalRPS),
		BatchSize:      toInt(EnvBatchSize),
		NoLatencyMode:  toBool(EnvNoLatencyMode),
		PayloadSize:    toInt(EnvPayloadSize),
		Models:         splitList(v.GetString(EnvModels)),
		WindowSize:     toDuration(EnvWindowSize),
		RequestTimeout: toDuration(EnvRequestTimeout),
		MaxInFlight:    toInt(EnvMaxInFlight),
		DrainTimeout:   toDuration(EnvDrainTimeout),
		MetricsAddr:    strings.TrimSpace(v.GetString(EnvMetricsAddr)),
	}
	policy, err := dispatch.ParseStreamPolicy(v.GetString(EnvStreamPolicy))
	errs = multierr.Append(errs, wrap(EnvStreamPolicy, err))
	cfg.StreamPolicy = policy

	if errs != nil {
		return nil, fmt.Errorf("invalid configuration: %w", errs)
	}
	return cfg, nil
}

// Validate reports every problem of the configuration at once.
func (c *Config) Validate() error {
	var errs error
	if u, err := url.ParseRequestURI(c.Endpoint); err != nil || u.Host == "" {
		errs = multierr.Append(errs, fmt.Errorf("%s: %q is not an absolute URL", EnvEndpoint, c.Endpoint))
	}
	if c.LogRequest != "true" && c.LogRequest != "false" {
		errs = multierr.Append(errs, fmt.Errorf("%s: must be \"true\" or \"false\", got %q", EnvLogRequest, c.LogRequest))
	}
	if _, err := dispatch.NewSchedule(c.TotalRPS, c.BatchSize); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%s/%s: %w", EnvTotalRPS, EnvBatchSize, err))
	}
	if c.PayloadSize < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s: must not be negative, got %d", EnvPayloadSize, c.PayloadSize))
	}
	if !c.NoLatencyMode && len(c.Models) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s: at least one model is required", EnvModels))
	}
	if c.WindowSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s: must be positive, got %v", EnvWindowSize, c.WindowSize))
	}
	if c.RequestTimeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s: must not be negative, got %v", EnvRequestTimeout, c.RequestTimeout))
	}
	if c.MaxInFlight < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s: must not be negative, got %d", EnvMaxInFlight, c.MaxInFlight))
	}
	if c.DrainTimeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s: must not be negative, got %v", EnvDrainTimeout, c.DrainTimeout))
	}
	if errs != nil {
		return fmt.Errorf("invalid configuration: %w", errs)
	}
	return nil
}

func wrap(key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", key, err)
}

func splitList(s string) []string {
	var res []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			res = append(res, item)
		}
	}
	return res
}
