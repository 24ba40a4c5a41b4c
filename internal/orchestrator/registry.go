package orchestrator

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Registry tracks live sessions by ID and refuses a second concurrent send
// from the same wallet. Successful sessions are dropped after a TTL; failed
// ones stay until dismissed.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	bySender   map[common.Address]*Session
	successTTL time.Duration
	afterFunc  func(d time.Duration, f func())
}

func NewRegistry(successTTL time.Duration) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		bySender:   make(map[common.Address]*Session),
		successTTL: successTTL,
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

// Add registers s unless another session of the same sender is in flight.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.bySender[s.Sender]; ok && current.active() {
		return ErrSessionInFlight
	}
	r.sessions[s.ID] = s
	r.bySender[s.Sender] = s
	return nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if r.bySender[s.Sender] == s {
		delete(r.bySender, s.Sender)
	}
}

// Finished schedules removal of a successful session.
func (r *Registry) Finished(s *Session) {
	if s.Phase() != PhaseSuccess {
		return
	}
	if r.successTTL <= 0 {
		r.Remove(s.ID)
		return
	}
	r.afterFunc(r.successTTL, func() { r.Remove(s.ID) })
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
