package invoker

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Allow while the breaker rejects calls.
var ErrBreakerOpen = errors.New("invoker: circuit breaker is open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets probe calls through after the open timeout.
	BreakerHalfOpen
	// BreakerOpen rejects calls.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// minRateSamples is the number of calls a window needs before its error
// rate can trip the breaker.
const minRateSamples = 10

// BreakerConfig configures a Breaker. Zero values take defaults.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the breaker. Default 5.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it. Default 2.
	SuccessThreshold int
	// Timeout is how long the breaker stays open. Default 30s.
	Timeout time.Duration
	// ErrorRate in (0,1] opens the breaker when reached within RateWindow.
	// Zero disables rate tripping.
	ErrorRate  float64
	RateWindow time.Duration
}

// Breaker guards the platform backend. It opens on consecutive failures or
// on the error rate of a tumbling window, and is safe for concurrent use.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	windowStart    time.Time
	windowCalls    int
	windowFailures int

	onChange func(name string, s BreakerState)
}

// NewBreaker creates a closed breaker. onChange, when non-nil, is called
// with every state transition while the breaker's lock is held, so it must
// not call back into the breaker.
func NewBreaker(name string, cfg BreakerConfig, onChange func(name string, s BreakerState)) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := &Breaker{name: name, cfg: cfg, now: time.Now, onChange: onChange}
	b.windowStart = b.now()
	return b
}

// Name returns the name the breaker reports transitions under.
func (b *Breaker) Name() string { return b.name }

// Allow returns ErrBreakerOpen while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireOpen()
	if b.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// Record reports the outcome of one call.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.countWindow(!success)
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold || b.rateExceeded() {
			b.open()
		}
	case BreakerHalfOpen:
		if !success {
			b.open()
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures, b.successes = 0, 0
			b.resetWindow()
			b.transition(BreakerClosed)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireOpen()
	return b.state
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.successes = 0
	b.resetWindow()
	b.transition(BreakerOpen)
}

// expireOpen moves an open breaker to half-open once its timeout passed.
func (b *Breaker) expireOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.cfg.Timeout {
		b.successes = 0
		b.transition(BreakerHalfOpen)
	}
}

func (b *Breaker) transition(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(b.name, s)
	}
}

func (b *Breaker) countWindow(failure bool) {
	if b.cfg.RateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.cfg.RateWindow {
		b.resetWindow()
	}
	b.windowCalls++
	if failure {
		b.windowFailures++
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowCalls, b.windowFailures = 0, 0
}

func (b *Breaker) rateExceeded() bool {
	if b.cfg.ErrorRate <= 0 || b.cfg.RateWindow <= 0 || b.windowCalls < minRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowCalls) >= b.cfg.ErrorRate
}
