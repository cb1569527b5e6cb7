package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/winseros/SqlClient/pkg/types"
)

// Strategy names an interval strategy
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyIncremental Strategy = "incremental"
	StrategyExponential Strategy = "exponential"
	StrategyNone        Strategy = "none"
)

// Config is the retry configuration. It is copied into a Provider and never
// changes afterwards.
type Config struct {
	// Strategy selects the interval enumerator
	Strategy Strategy `yaml:"strategy" json:"strategy" env:"STRATEGY"`

	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS"`

	// Interval is the fixed wait, or the base of incremental and exponential waits
	Interval time.Duration `yaml:"interval" json:"interval" env:"INTERVAL"`

	// MaxInterval clamps every computed wait
	MaxInterval time.Duration `yaml:"max_interval" json:"max_interval" env:"MAX_INTERVAL"`

	// MinInterval floors incremental and exponential waits
	MinInterval time.Duration `yaml:"min_interval" json:"min_interval" env:"MIN_INTERVAL"`

	// BlockedStatements are never retried
	BlockedStatements StatementCategory `yaml:"blocked_statements" json:"blocked_statements" env:"BLOCKED_STATEMENTS"`

	// TransientErrors replaces the default transient codes when non-nil
	TransientErrors []int `yaml:"transient_errors" json:"transient_errors" env:"TRANSIENT_ERRORS"`

	// JitterFactor scales the exponential jitter, 0 disables it
	JitterFactor float64 `yaml:"jitter_factor" json:"jitter_factor" env:"JITTER_FACTOR"`
}

// DefaultConfig returns a configuration that performs no retries
func DefaultConfig() Config {
	return Config{
		Strategy:          StrategyNone,
		MaxAttempts:       1,
		BlockedStatements: DML,
		JitterFactor:      DefaultJitterFactor,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.TransientErrors != nil && len(c.TransientErrors) == 0 {
		return types.NewConfigurationError("transientErrors", "must not be empty when supplied")
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return types.NewConfigurationError("jitterFactor", "must be within [0, 1], got %v", c.JitterFactor)
	}

	switch c.Strategy {
	case StrategyNone:
		return nil
	case StrategyFixed, StrategyIncremental, StrategyExponential:
	default:
		return types.NewConfigurationError("strategy", "must be one of fixed, incremental, exponential or none, got %q", c.Strategy)
	}

	if c.MaxAttempts < 1 {
		return types.NewConfigurationError("maxAttempts", "must be at least 1, got %d", c.MaxAttempts)
	}
	if c.Interval < 0 {
		return types.NewConfigurationError("interval", "must not be negative, got %v", c.Interval)
	}
	if c.MinInterval < 0 {
		return types.NewConfigurationError("minInterval", "must not be negative, got %v", c.MinInterval)
	}
	if c.Strategy != StrategyFixed {
		if c.MaxInterval < c.Interval {
			return types.NewConfigurationError("maxInterval", "must not be less than interval %v, got %v", c.Interval, c.MaxInterval)
		}
		if c.MinInterval > c.MaxInterval {
			return types.NewConfigurationError("minInterval", "must not exceed maxInterval %v, got %v", c.MaxInterval, c.MinInterval)
		}
	}
	return nil
}

// schedule builds the interval schedule for the configuration
func (c Config) schedule(jitterFunc func() float64) IntervalSchedule {
	switch c.Strategy {
	case StrategyFixed:
		return NewFixedSchedule(c.MaxAttempts, c.Interval)
	case StrategyIncremental:
		return NewIncrementalSchedule(c.MaxAttempts, c.Interval, c.MaxInterval, c.MinInterval)
	case StrategyExponential:
		return NewExponentialSchedule(c.MaxAttempts, c.Interval, c.MaxInterval, c.MinInterval).
			WithJitter(c.JitterFactor, jitterFunc)
	default:
		return NewNoneSchedule()
	}
}

// Provider is the retry policy handed to calling code. It binds one
// configuration to one orchestrator and is safe to share across goroutines.
type Provider struct {
	config Config
	orch   *Orchestrator
}

func (p *Provider) orchestrator() *Orchestrator {
	return p.orch
}

// Do runs fn through the policy
func (p *Provider) Do(ctx context.Context, commandText string, fn func(ctx context.Context) error) error {
	return p.orch.Do(ctx, commandText, fn)
}

// Config returns a copy of the configuration
func (p *Provider) Config() Config {
	c := p.config
	if c.TransientErrors != nil {
		c.TransientErrors = append([]int(nil), c.TransientErrors...)
	}
	return c
}

// Stats returns the orchestrator statistics
func (p *Provider) Stats() RetryStats {
	return p.orch.Stats()
}

type providerSettings struct {
	config       Config
	clock        types.Clock
	eventHandler EventHandler
	tracer       trace.Tracer
	jitterFunc   func() float64
}

// Option configures a Provider
type Option func(*providerSettings)

// WithBlockedStatements sets the statement categories that bypass retry
func WithBlockedStatements(blocked StatementCategory) Option {
	return func(s *providerSettings) {
		s.config.BlockedStatements = blocked
	}
}

// WithTransientErrors replaces the transient error codes. Supplying no codes
// is a configuration error.
func WithTransientErrors(codes ...int) Option {
	return func(s *providerSettings) {
		s.config.TransientErrors = append([]int{}, codes...)
	}
}

// WithMinInterval sets the wait floor of incremental and exponential policies
func WithMinInterval(d time.Duration) Option {
	return func(s *providerSettings) {
		s.config.MinInterval = d
	}
}

// WithJitter sets the exponential jitter factor and, when fn is non-nil,
// the random source returning values in [0, 1)
func WithJitter(factor float64, fn func() float64) Option {
	return func(s *providerSettings) {
		s.config.JitterFactor = factor
		s.jitterFunc = fn
	}
}

// WithClock sets the clock used for waits
func WithClock(clock types.Clock) Option {
	return func(s *providerSettings) {
		s.clock = clock
	}
}

// WithEventHandler sets the retry event handler
func WithEventHandler(handler EventHandler) Option {
	return func(s *providerSettings) {
		s.eventHandler = handler
	}
}

// WithTracer sets the tracer used for execution spans
func WithTracer(tracer trace.Tracer) Option {
	return func(s *providerSettings) {
		s.tracer = tracer
	}
}

// NewProvider validates cfg, applies opts and builds a Provider
func NewProvider(cfg Config, opts ...Option) (*Provider, error) {
	settings := &providerSettings{config: cfg}
	for _, opt := range opts {
		opt(settings)
	}

	cfg = settings.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TransientErrors != nil {
		cfg.TransientErrors = append([]int(nil), cfg.TransientErrors...)
	}

	codes := cfg.TransientErrors
	if codes == nil {
		codes = DefaultTransientErrors()
	}

	orchOpts := []OrchestratorOption{
		WithOrchestratorClock(settings.clock),
		WithOrchestratorTracer(settings.tracer),
	}
	if settings.eventHandler != nil {
		orchOpts = append(orchOpts, WithOrchestratorEventHandler(settings.eventHandler))
	}

	return &Provider{
		config: cfg,
		orch: NewOrchestrator(
			NewStatementGate(cfg.BlockedStatements),
			NewTransientFaultClassifier(codes),
			cfg.schedule(settings.jitterFunc),
			orchOpts...,
		),
	}, nil
}

// CreateFixed creates a policy waiting interval between attempts
func CreateFixed(maxAttempts int, interval time.Duration, opts ...Option) (*Provider, error) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyFixed
	cfg.MaxAttempts = maxAttempts
	cfg.Interval = interval
	cfg.MaxInterval = interval
	return NewProvider(cfg, opts...)
}

// CreateIncremental creates a policy whose wait grows linearly up to maxInterval
func CreateIncremental(maxAttempts int, interval, maxInterval time.Duration, opts ...Option) (*Provider, error) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyIncremental
	cfg.MaxAttempts = maxAttempts
	cfg.Interval = interval
	cfg.MaxInterval = maxInterval
	return NewProvider(cfg, opts...)
}

// CreateExponential creates a policy whose wait doubles up to maxInterval
func CreateExponential(maxAttempts int, baseInterval, maxInterval time.Duration, opts ...Option) (*Provider, error) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyExponential
	cfg.MaxAttempts = maxAttempts
	cfg.Interval = baseInterval
	cfg.MaxInterval = maxInterval
	return NewProvider(cfg, opts...)
}

// CreateNone creates a policy that runs the unit of work exactly once
func CreateNone(opts ...Option) (*Provider, error) {
	return NewProvider(DefaultConfig(), opts...)
}

// UnmarshalYAML accepts a single name ("dml", "insert|update") or a list of names
func (c *StatementCategory) UnmarshalYAML(value *yaml.Node) error {
	var names []string
	switch value.Kind {
	case yaml.ScalarNode:
		names = strings.Split(value.Value, "|")
	case yaml.SequenceNode:
		if err := value.Decode(&names); err != nil {
			return err
		}
	default:
		return fmt.Errorf("line %d: statement categories must be a string or a list", value.Line)
	}

	mask, err := ParseStatementCategory(names...)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*c = mask
	return nil
}

// MarshalYAML renders the category names
func (c StatementCategory) MarshalYAML() (interface{}, error) {
	return c.String(), nil
}

// UnmarshalText parses names separated by "|" or ","
func (c *StatementCategory) UnmarshalText(text []byte) error {
	names := strings.FieldsFunc(string(text), func(r rune) bool {
		return r == '|' || r == ','
	})
	mask, err := ParseStatementCategory(names...)
	if err != nil {
		return err
	}
	*c = mask
	return nil
}
