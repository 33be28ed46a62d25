package llm

import (
	"context"
	"sync"

	"tavern/internal/logging"
)

// Semaphore bounds concurrent in-flight requests for one backend. Waiters
// are queued strictly FIFO: a release hands the freed slot directly to the
// oldest waiter rather than decrementing the counter, so a fresh acquirer
// can never jump the queue and the in-use count never exceeds capacity.
type Semaphore struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  []chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity. Capacity below
// one is clamped to one; a zero-concurrency backend would starve every
// caller forever.
func NewSemaphore(capacity int) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{capacity: capacity}
}

// Acquire blocks until a slot is available or ctx is done. Every successful
// Acquire must be paired with exactly one Release.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.inUse < s.capacity {
		s.inUse++
		s.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	s.waiters = append(s.waiters, ready)
	waiting := len(s.waiters)
	inUse := s.inUse
	s.mu.Unlock()

	logging.Admission("semaphore: waiting for slot (in_use=%d/%d, queued=%d)",
		inUse, s.capacity, waiting)

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == ready {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		// The grant raced the cancellation: a release already handed us the
		// slot. Give it back before reporting cancellation.
		s.releaseLocked()
		s.mu.Unlock()
		return ctx.Err()
	}
}

// TryAcquire grabs a slot without blocking. Returns false when none is free.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse < s.capacity && len(s.waiters) == 0 {
		s.inUse++
		return true
	}
	return false
}

// Release frees one slot. If waiters are queued, the slot transfers to the
// oldest waiter and the counter is untouched.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inUse == 0 {
		// Release without a matching acquire; scoped acquisition should
		// make this unreachable.
		logging.Get(logging.CategoryAdmission).Error("semaphore: release without acquire")
		return
	}
	s.releaseLocked()
}

func (s *Semaphore) releaseLocked() {
	if len(s.waiters) > 0 {
		ready := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(ready)
		return
	}
	s.inUse--
}

// Capacity returns the configured slot count.
func (s *Semaphore) Capacity() int { return s.capacity }

// InUse returns the number of granted slots.
func (s *Semaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

// Waiting returns the number of queued acquirers.
func (s *Semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
