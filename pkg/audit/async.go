package audit

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// AsyncSink buffers non-critical entries (HTTP request logging) and writes them in the
// background. Entries are dropped when the buffer is full. Never use it for governance entries.
type AsyncSink struct {
	next    Sink
	queue   chan Entry
	timeout time.Duration
	dropped atomic.Int64
	failed  atomic.Int64
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

func NewAsyncSink(next Sink, buffer int, writeTimeout time.Duration) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	s := &AsyncSink{next: next, queue: make(chan Entry, buffer), timeout: writeTimeout}
	s.wg.Add(1)
	go s.run()
	return s
}

// Append enqueues e and returns immediately. The returned id is empty.
func (s *AsyncSink) Append(_ context.Context, e Entry) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return "", nil
	}
	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
	}
	return "", nil
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for e := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if _, err := s.next.Append(ctx, e); err != nil {
			s.failed.Add(1)
			log.Printf("audit async append %s: %v", e.Action, err)
		}
		cancel()
	}
}

// Close drains queued entries, waiting at most until ctx is done.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }
func (s *AsyncSink) Failed() int64  { return s.failed.Load() }
