package gateway

import (
	"errors"
	"sync"
)

var ErrNotReady = errors.New("model not ready")

type State int

const (
	StateLoading State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Readiness tracks model loading. It leaves Loading exactly once, for either
// Ready or Failed, and never changes again.
type Readiness struct {
	mu    sync.Mutex
	state State
	err   error
	done  chan struct{}
}

func NewReadiness() *Readiness {
	return &Readiness{done: make(chan struct{})}
}

func (r *Readiness) MarkReady() bool {
	return r.settle(StateReady, nil)
}

func (r *Readiness) MarkFailed(err error) bool {
	if err == nil {
		err = errors.New("model load failed")
	}
	return r.settle(StateFailed, err)
}

func (r *Readiness) settle(s State, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateLoading {
		return false
	}
	r.state = s
	r.err = err
	close(r.done)
	return true
}

func (r *Readiness) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the load error once Failed, nil otherwise.
func (r *Readiness) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done is closed when loading settles.
func (r *Readiness) Done() <-chan struct{} {
	return r.done
}
