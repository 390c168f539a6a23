package kvstore

import (
	"context"
	"sync"

	"github.com/kozaktomas/face-blocker/internal/constants"
)

// Feed fans changes out to subscribers. Backends embed it to implement Subscribe.
// Writers never block: changes a slow subscriber has not taken yet are merged per
// key, so every subscriber still sees the latest value of every key it missed.
type Feed struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	out  chan Change
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	pending []Change
}

// Subscribe registers a listener that is removed when ctx is done.
func (f *Feed) Subscribe(ctx context.Context) <-chan Change {
	sub := &subscriber{
		out:  make(chan Change, constants.EventChannelBuffer),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(sub.out)
		return sub.out
	}
	if f.subs == nil {
		f.subs = make(map[*subscriber]struct{})
	}
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go f.pump(ctx, sub)
	return sub.out
}

// pump moves queued changes to the subscriber channel and owns closing it.
func (f *Feed) pump(ctx context.Context, sub *subscriber) {
	defer close(sub.out)
	defer f.unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case <-sub.wake:
		}
		for {
			c, ok := sub.pop()
			if !ok {
				break
			}
			select {
			case sub.out <- c:
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			}
		}
	}
}

func (f *Feed) unsubscribe(sub *subscriber) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
	sub.stop()
}

// Publish queues changes for every subscriber.
func (f *Feed) Publish(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		sub.push(changes)
	}
}

// CloseFeed ends all subscriptions. Later subscriptions get a closed channel.
func (f *Feed) CloseFeed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for sub := range f.subs {
		sub.stop()
	}
	f.subs = nil
}

// push queues changes, merging each into a queued change for the same key.
func (s *subscriber) push(changes []Change) {
	s.mu.Lock()
next:
	for _, c := range changes {
		for i := range s.pending {
			if s.pending[i].Key == c.Key {
				s.pending[i].NewValue = c.NewValue
				continue next
			}
		}
		s.pending = append(s.pending, c)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() (Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Change{}, false
	}
	c := s.pending[0]
	s.pending[0] = Change{}
	s.pending = s.pending[1:]
	return c, true
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}
