package machines

import (
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/distr1/buildqueue/internal/model"
)

// Health owns one gobreaker.CircuitBreaker per machine and keeps the
// corresponding model.Machine's disabled flag in sync with the breaker's
// state, so SupportsStep's hot path stays a flag read instead of having to
// consult the breaker (§4.4).
//
// A breaker trips to StateOpen after ConsecutiveFailures failures within
// FailureWindow, stays open for Cooldown, then moves to StateHalfOpen to let
// one trial request through before either closing (success) or reopening
// (failure). Cooldown is fixed: it does not grow with repeated trips. The
// trip/cooldown/trial logic is gobreaker's rather than reimplemented.
type Health struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	ConsecutiveFailures uint32
	FailureWindow       time.Duration
	Cooldown            time.Duration
}

// NewHealth returns a Health tracker with the given trip threshold and
// timing. Zero values fall back to defaults matching a conservative Hydra
// deployment: trip after 3 failures within a minute, stay open for 30s.
func NewHealth(consecutiveFailures uint32, failureWindow, cooldown time.Duration) *Health {
	if consecutiveFailures == 0 {
		consecutiveFailures = 3
	}
	if failureWindow <= 0 {
		failureWindow = time.Minute
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Health{
		breakers:            make(map[string]*gobreaker.CircuitBreaker),
		ConsecutiveFailures: consecutiveFailures,
		FailureWindow:       failureWindow,
		Cooldown:            cooldown,
	}
}

// Breaker returns the circuit breaker for m, creating one on first use. The
// breaker's OnStateChange callback pushes the new disabled state straight
// into m so every other reader of m sees it without touching Health.
func (h *Health) Breaker(m *model.Machine, storeURI string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.breakers[storeURI]; ok {
		return b
	}
	var b *gobreaker.CircuitBreaker
	b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        storeURI,
		MaxRequests: 1,
		Interval:    h.FailureWindow,
		Timeout:     h.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= h.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("machine %s: circuit breaker %s -> %s", name, from, to)
			m.SetDisabled(to == gobreaker.StateOpen)
			if to == gobreaker.StateOpen {
				// gobreaker leaves StateOpen only when its state is read,
				// and a disabled machine receives no calls, so read it once
				// the cooldown has passed.
				time.AfterFunc(h.Cooldown+time.Millisecond, func() { b.State() })
			}
		},
	})
	h.breakers[storeURI] = b
	return b
}

// Call runs fn through storeURI's breaker, translating its outcome into
// RecordFailure/RecordSuccess on m (for metrics) and into the breaker's own
// trip accounting.
func (h *Health) Call(m *model.Machine, storeURI string, fn func() error) error {
	b := h.Breaker(m, storeURI)
	_, err := b.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		m.RecordFailure(time.Now())
	} else {
		m.RecordSuccess()
	}
	return err
}

// Forget drops the breaker for a machine removed from the machine-list file.
func (h *Health) Forget(storeURI string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.breakers, storeURI)
}
