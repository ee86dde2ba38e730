package coordinator

import (
	"sync"

	"wisefido-sync/internal/models"
)

// broadcaster fans status values out to subscribers. Every subscriber owns an
// unbounded FIFO drained by its own goroutine, so publishing never blocks the
// coordinator and a slow reader never loses or reorders values.
type broadcaster struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: map[*subscriber]struct{}{}}
}

func (b *broadcaster) subscribe(initial models.SyncStatus) (<-chan models.SyncStatus, func()) {
	s := newSubscriber()
	s.push(initial)

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run()

	var once sync.Once
	return s.out, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			s.close()
		})
	}
}

func (b *broadcaster) publish(status models.SyncStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.push(status)
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.close()
		delete(b.subs, s)
	}
}

type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []models.SyncStatus
	closed bool
	done   chan struct{}
	out    chan models.SyncStatus
}

func newSubscriber() *subscriber {
	s := &subscriber{
		done: make(chan struct{}),
		out:  make(chan models.SyncStatus),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) push(status models.SyncStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, status)
	s.cond.Signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	s.cond.Signal()
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}
