package machines

import (
	"errors"
	"testing"
	"time"

	"github.com/distr1/buildqueue/internal/model"
)

func TestHealthTripsAndRecovers(t *testing.T) {
	h := NewHealth(2, time.Minute, 10*time.Millisecond)
	m := model.NewMachine("ssh://m1", []string{"amd64"}, nil, nil, 1, 1, time.Now())

	boom := errors.New("connection refused")
	_ = h.Call(m, m.StoreURI, func() error { return boom })
	if m.InBackoff(time.Now()) {
		t.Fatal("machine should not be disabled after a single failure (threshold is 2)")
	}

	_ = h.Call(m, m.StoreURI, func() error { return boom })
	if !m.InBackoff(time.Now()) {
		t.Fatal("machine should be disabled once the breaker trips open")
	}

	time.Sleep(20 * time.Millisecond)
	_ = h.Call(m, m.StoreURI, func() error { return nil })
	if m.InBackoff(time.Now()) {
		t.Fatal("machine should be re-enabled once the half-open trial succeeds")
	}
}
