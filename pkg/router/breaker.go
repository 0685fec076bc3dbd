package router

import (
	"sync"
	"time"
)

// BreakerStatus reports the current circuit state for one routing target.
type BreakerStatus struct {
	Open                bool
	ConsecutiveFailures int
	LastFailureTime     time.Time
}

// breaker tracks per-target health and short-circuits requests to targets
// that keep failing. After the recovery timeout elapses the circuit closes
// again and the target gets one fresh chance.
type breaker struct {
	mu        sync.RWMutex
	states    map[string]*breakerState
	threshold int
	timeout   time.Duration
}

type breakerState struct {
	consecutiveFailures int
	lastFailureTime     time.Time
	open                bool
}

func newBreaker(threshold int, timeout time.Duration) *breaker {
	return &breaker{
		states:    make(map[string]*breakerState),
		threshold: threshold,
		timeout:   timeout,
	}
}

func (b *breaker) allow(key string) bool {
	b.mu.RLock()
	var open bool
	var lastFailure time.Time
	if state, exists := b.states[key]; exists {
		open = state.open
		lastFailure = state.lastFailureTime
	}
	b.mu.RUnlock()

	if !open {
		return true
	}
	if time.Since(lastFailure) <= b.timeout {
		return false
	}

	// Recovery timeout elapsed; close the circuit. Re-check under the write
	// lock since another caller may have raced us here.
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, exists := b.states[key]; exists && state.open &&
		time.Since(state.lastFailureTime) > b.timeout {
		state.open = false
		state.consecutiveFailures = 0
	}
	return true
}

func (b *breaker) recordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, exists := b.states[key]
	if !exists {
		b.states[key] = &breakerState{}
		return
	}

	state.consecutiveFailures = 0
	state.open = false
}

func (b *breaker) recordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, exists := b.states[key]
	if !exists {
		state = &breakerState{}
		b.states[key] = state
	}

	state.consecutiveFailures++
	state.lastFailureTime = time.Now()

	if state.consecutiveFailures >= b.threshold {
		state.open = true
	}
}

func (b *breaker) status() map[string]BreakerStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]BreakerStatus, len(b.states))
	for key, state := range b.states {
		out[key] = BreakerStatus{
			Open:                state.open,
			ConsecutiveFailures: state.consecutiveFailures,
			LastFailureTime:     state.lastFailureTime,
		}
	}
	return out
}
