package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("breaker: open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker opens after failThreshold consecutive failures, stays open for
// openFor, then lets exactly one probe through (half-open).
type Breaker struct {
	name string

	mu               sync.Mutex
	st               State
	consecutiveFails int
	failThreshold    int
	openFor          time.Duration
	nextTryAt        time.Time
	probeInFlight    bool

	now          func() time.Time
	onTransition func(name string, from, to State)
}

type Option func(*Breaker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithTransitionHook is called (outside the lock) on every state change.
func WithTransitionHook(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

func New(name string, threshold int, openFor time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 15 * time.Second
	}
	b := &Breaker{name: name, failThreshold: threshold, openFor: openFor, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

// Ready reports whether a call would currently be admitted, without reserving it.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.st {
	case Open:
		return b.now().After(b.nextTryAt) && !b.probeInFlight
	case HalfOpen:
		return !b.probeInFlight
	default:
		return true
	}
}

// TryAcquire reserves a call slot; in half-open only one probe is allowed.
func (b *Breaker) TryAcquire() bool {
	b.mu.Lock()
	from := b.st
	ok := false
	switch b.st {
	case Closed:
		ok = true
	case Open:
		if b.now().After(b.nextTryAt) && !b.probeInFlight {
			b.st = HalfOpen
			b.probeInFlight = true
			ok = true
		}
	case HalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			ok = true
		}
	}
	to := b.st
	b.mu.Unlock()

	b.notify(from, to)
	return ok
}

func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	from := b.st
	b.consecutiveFails = 0
	b.st = Closed
	b.probeInFlight = false
	b.mu.Unlock()

	b.notify(from, Closed)
}

func (b *Breaker) OnFailure() {
	b.mu.Lock()
	from := b.st
	if b.st == HalfOpen {
		b.st = Open
		b.nextTryAt = b.now().Add(b.openFor)
		b.probeInFlight = false
	} else {
		b.consecutiveFails++
		if b.consecutiveFails >= b.failThreshold {
			b.st = Open
			b.nextTryAt = b.now().Add(b.openFor)
		}
	}
	to := b.st
	b.mu.Unlock()

	b.notify(from, to)
}

// Do runs fn when the breaker admits it and records the outcome.
// Errors for which isFailure returns false (e.g. "not found") count as success.
func (b *Breaker) Do(fn func() error, isFailure func(error) bool) error {
	if !b.TryAcquire() {
		return ErrOpen
	}
	err := fn()
	if err != nil && (isFailure == nil || isFailure(err)) {
		b.OnFailure()
		return err
	}
	b.OnSuccess()
	return err
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}
