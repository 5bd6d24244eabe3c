package memory

import "sync"

// subscriber runs one subscription's callbacks on its own goroutine, in the
// order they were queued, so store writes never block on slow handlers.
type subscriber struct {
	mu      sync.Mutex
	pending []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newSubscriber() *subscriber {
	sub := &subscriber{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go sub.run()
	return sub
}

func (s *subscriber) push(fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.pending = nil
	close(s.done)
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.stopped || len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			fn := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			fn()
		}
	}
}
