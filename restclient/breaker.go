package restclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	gobreakerredis "github.com/sony/gobreaker/v2/redis"
)

// NewRedisStore creates a SharedDataStore backed by Redis so several bot
// processes sharing one token also share one circuit breaker.
//
// Usage:
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	client := restclient.New(token,
//	    restclient.WithBreaker(restclient.DistributedBreakerConfig(restclient.NewRedisStore(rdb))),
//	)
func NewRedisStore(client redis.UniversalClient) gobreaker.SharedDataStore {
	return gobreakerredis.NewStoreFromClient(client)
}

// circuitBreaker matches the Execute method of both gobreaker breaker kinds.
type circuitBreaker interface {
	Execute(req func() (interface{}, error)) (interface{}, error)
}

// BreakerClassifier decides whether a finished call counts as a failure
// towards tripping the breaker. status is 0 when no response was read.
type BreakerClassifier func(status int, err error) bool

// BreakerConfig holds the configuration for the circuit breaker.
//
// Concepts:
//   - Closed: calls run normally.
//   - Open: calls fail at the breaker stage without touching the network.
//   - Half-Open: a limited number of calls probe for recovery.
type BreakerConfig struct {
	// MaxRequests is the number of calls allowed through while half-open.
	// If 0, one call is allowed.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state after which counts
	// are cleared. If 0, counts are never cleared while closed.
	Interval time.Duration

	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration

	// FailureThreshold is the minimum number of calls before the failure
	// ratio is considered.
	FailureThreshold uint32

	// FailureRatio trips the breaker once reached (0.0 - 1.0).
	FailureRatio float64

	// ConsecutiveFailures trips the breaker after this many failures in a row.
	// If 0, this rule is disabled.
	ConsecutiveFailures uint32

	// Store enables a distributed breaker. If nil, the breaker is in-memory.
	Store gobreaker.SharedDataStore

	// Classifier decides which outcomes count as failures.
	// Default: DefaultBreakerClassifier
	Classifier BreakerClassifier

	// OnStateChange is invoked when the breaker changes state.
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerConfig returns a local breaker configuration:
//   - Interval: 10s
//   - Timeout: 10s
//   - FailureThreshold: 20
//   - FailureRatio: 0.5
//   - ConsecutiveFailures: 5
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            10 * time.Second,
		Timeout:             10 * time.Second,
		FailureThreshold:    20,
		FailureRatio:        0.5,
		ConsecutiveFailures: 5,
		Classifier:          DefaultBreakerClassifier,
	}
}

// DistributedBreakerConfig returns DefaultBreakerConfig backed by store.
func DistributedBreakerConfig(store gobreaker.SharedDataStore) BreakerConfig {
	cfg := DefaultBreakerConfig()
	cfg.Store = store
	return cfg
}

// DefaultBreakerClassifier counts transport failures and 5xx responses.
// Rate limits are not failures; the caller is expected to back off instead.
func DefaultBreakerClassifier(status int, err error) bool {
	if err != nil {
		var rl *RateLimitError
		if errors.As(err, &rl) {
			return false
		}
		var se *StageError
		if errors.As(err, &se) {
			return se.Stage != StageInterpret
		}
		return true
	}
	return status >= 500
}

// errCircuitOpen is the cause of a breaker stage failure.
var errCircuitOpen = errors.New("circuit breaker is open")

// errBreakerUnavailable is the cause of a breaker stage failure when the
// shared store could not be read or locked.
var errBreakerUnavailable = errors.New("circuit breaker state unavailable")

// errCountedFailure marks a call the classifier rejected without a
// transport error, e.g. a 5xx response.
var errCountedFailure = errors.New("counted failure")

// breakerOutcome is what a pipeline run reports back to the breaker.
type breakerOutcome struct {
	status int
	err    error
}

// guardedBreaker wraps a gobreaker instance with classification and metrics.
type guardedBreaker struct {
	cb         circuitBreaker
	classifier BreakerClassifier
	metrics    *metrics
	name       string

	// serial is set for the distributed breaker. It holds the shared lock
	// for the whole call anyway, and the Redis store is not safe for
	// concurrent use.
	serial *sync.Mutex
}

// run executes fn through the breaker. It returns errCircuitOpen without
// calling fn when the breaker rejects the call, and an error wrapping
// errBreakerUnavailable when the breaker's shared store failed before fn
// could run. A nil error means fn ran.
func (b *guardedBreaker) run(ctx context.Context, fn func() breakerOutcome) error {
	if b.serial != nil {
		b.serial.Lock()
		defer b.serial.Unlock()
	}

	ran := false
	_, err := b.cb.Execute(func() (interface{}, error) {
		ran = true
		out := fn()
		if b.classifier(out.status, out.err) {
			return nil, errCountedFailure
		}
		return nil, nil
	})

	switch {
	case err == nil:
		b.metrics.recordBreakerRequest(ctx, b.name, "success")
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.metrics.recordBreakerRequest(ctx, b.name, "rejected")
		return errCircuitOpen
	case !ran:
		b.metrics.recordBreakerRequest(ctx, b.name, "unavailable")
		return fmt.Errorf("%w: %w", errBreakerUnavailable, err)
	default:
		// fn ran; a store error after it cannot change the call's outcome.
		b.metrics.recordBreakerRequest(ctx, b.name, "failure")
		return nil
	}
}

// newBreaker returns nil when no breaker is configured.
func newBreaker(cfg *internalConfig) *guardedBreaker {
	bc := cfg.BreakerConfig
	if bc == nil {
		return nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "discord-rest"
	}

	classifier := bc.Classifier
	if classifier == nil {
		classifier = DefaultBreakerClassifier
	}

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if bc.ConsecutiveFailures > 0 &&
				counts.ConsecutiveFailures >= bc.ConsecutiveFailures {
				return true
			}
			if bc.FailureThreshold > 0 && counts.Requests < bc.FailureThreshold {
				return false
			}
			if bc.FailureRatio > 0 && counts.TotalFailures > 0 {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				if ratio >= bc.FailureRatio {
					return true
				}
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Metrics.recordBreakerState(context.Background(), name, int64(to))
			cfg.Logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			if bc.OnStateChange != nil {
				bc.OnStateChange(name, from, to)
			}
		},
	}

	var (
		cb     circuitBreaker
		serial *sync.Mutex
	)
	if bc.Store != nil {
		dcb, err := gobreaker.NewDistributedCircuitBreaker[interface{}](bc.Store, st)
		if err != nil {
			// Fall back to a process-local breaker.
			cfg.Logger.Error().Err(err).Str("breaker", name).
				Msg("distributed circuit breaker unavailable, using local breaker")
			cb = gobreaker.NewCircuitBreaker[interface{}](st)
		} else {
			cb = dcb
			serial = &sync.Mutex{}
		}
	} else {
		cb = gobreaker.NewCircuitBreaker[interface{}](st)
	}

	return &guardedBreaker{
		cb:         cb,
		classifier: classifier,
		metrics:    cfg.Metrics,
		name:       name,
		serial:     serial,
	}
}
