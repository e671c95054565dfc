package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/instarding/server/internal/config"
	apierrors "github.com/instarding/server/internal/errors"
)

// ServiceType identifies different external services for circuit breaker isolation.
type ServiceType string

const (
	ServiceInstagramProfile ServiceType = "instagram_profile"
	ServiceInstagramGraphQL ServiceType = "instagram_graphql"
	ServiceGateway          ServiceType = "cloudpayments"
)

// ErrOpen is returned when a call is rejected because the breaker is open.
var ErrOpen = apierrors.New(apierrors.ErrCodeCircuitOpen, "circuit breaker is open")

// Manager manages circuit breakers for different external services.
// Each service has its own breaker so a degraded upstream cannot take
// out calls to the others.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	config   Config
}

// Config holds circuit breaker configuration for all services.
type Config struct {
	Enabled bool

	InstagramProfile BreakerConfig
	InstagramGraphQL BreakerConfig
	Gateway          BreakerConfig
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is half-open. Default: 1
	MaxRequests uint32

	// Interval is the cyclic period in closed state to clear the internal counts.
	// If 0, never clears. Default: 60s
	Interval time.Duration

	// Timeout is the period of the open state after which the state becomes half-open.
	// Default: 60s
	Timeout time.Duration

	// Trip thresholds: consecutive failures, or failure ratio over a
	// minimum number of requests.
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManagerFromConfig creates a circuit breaker manager from application config.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig) *Manager {
	return NewManager(Config{
		Enabled:          cfg.Enabled,
		InstagramProfile: fromServiceConfig(cfg.InstagramProfile),
		InstagramGraphQL: fromServiceConfig(cfg.InstagramGraphQL),
		Gateway:          fromServiceConfig(cfg.Gateway),
	})
}

func fromServiceConfig(cfg config.BreakerServiceConfig) BreakerConfig {
	return BreakerConfig{
		MaxRequests:         cfg.MaxRequests,
		Interval:            cfg.Interval.Duration,
		Timeout:             cfg.Timeout.Duration,
		ConsecutiveFailures: cfg.ConsecutiveFailures,
		FailureRatio:        cfg.FailureRatio,
		MinRequests:         cfg.MinRequests,
	}
}

// NewManager creates a circuit breaker manager with the given configuration.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		config:   cfg,
	}

	if !cfg.Enabled {
		// Pass-through manager with no breakers
		return m
	}

	m.breakers[ServiceInstagramProfile] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceInstagramProfile), cfg.InstagramProfile))
	m.breakers[ServiceInstagramGraphQL] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceInstagramGraphQL), cfg.InstagramGraphQL))
	m.breakers[ServiceGateway] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceGateway), cfg.Gateway))

	return m
}

// Execute wraps a function call with circuit breaker protection.
// If circuit breaking is disabled or not configured for the service,
// executes directly. A rejected call returns ErrOpen so callers can
// classify it without depending on gobreaker.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if !m.config.Enabled {
		return fn()
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}

	result, err := breaker.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, ErrOpen
	}
	return result, err
}

// State returns the current state of a circuit breaker.
// Returns "disabled" if circuit breakers are not enabled or service not found.
func (m *Manager) State(service ServiceType) string {
	if !m.config.Enabled {
		return "disabled"
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}

	return breaker.State().String()
}

// Counts returns the current counts for a circuit breaker.
func (m *Manager) Counts(service ServiceType) Counts {
	if !m.config.Enabled {
		return Counts{}
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return Counts{}
	}

	c := breaker.Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// toGobreakerSettings converts our config to gobreaker.Settings.
func toGobreakerSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}

			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
				if counts.Requests >= cfg.MinRequests {
					failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
					if failureRate >= cfg.FailureRatio {
						return true
					}
				}
			}

			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuitbreaker.state_change")
		},
	}
}

// DefaultConfig returns sensible defaults for circuit breaker configuration.
func DefaultConfig() Config {
	service := BreakerConfig{
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             60 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
	return Config{
		Enabled:          true,
		InstagramProfile: service,
		InstagramGraphQL: service,
		Gateway:          service,
	}
}
