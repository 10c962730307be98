package runqueue

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Wakeup signals a suspended run-queue reader that a new item has
// arrived. It mirrors the teacher's internal/queue.Notifier contract
// (Notify/Subscribe/Close), specialized to the run queue's single
// untyped signal rather than per-QueueType channels.
type Wakeup interface {
	// Notify wakes one currently-suspended Subscribe call, if any.
	// Sends are non-blocking: a notification that arrives with no one
	// listening is not buffered beyond one pending wakeup.
	Notify(ctx context.Context) error
	// Subscribe returns a channel that receives a value the next time
	// Notify is called, or when ctx is done.
	Subscribe(ctx context.Context) <-chan struct{}
	// Close releases resources and unblocks any pending Subscribe calls.
	Close() error
}

// ChannelWakeup is the default, single-process Wakeup: an in-memory
// channel fan-out, grounded on the teacher's queue.ChannelNotifier.
type ChannelWakeup struct {
	mu     sync.Mutex
	subs   []chan struct{}
	closed bool
}

// NewChannelWakeup returns a Wakeup suitable for a single kernel process.
func NewChannelWakeup() *ChannelWakeup {
	return &ChannelWakeup{}
}

// Notify wakes every currently-subscribed reader (in practice at most
// one, since the run queue permits only one suspended reader at a time).
func (w *ChannelWakeup) Notify(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe returns a buffered channel appended to the subscriber list;
// a goroutine removes it again once ctx is done.
func (w *ChannelWakeup) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		close(ch)
		return ch
	}
	w.subs = append(w.subs, ch)
	w.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.removeSub(ch)
	}()

	return ch
}

func (w *ChannelWakeup) removeSub(target chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, ch := range w.subs {
		if ch == target {
			w.subs = append(w.subs[:i], w.subs[i+1:]...)
			break
		}
	}
}

// Close closes every subscriber channel and marks the wakeup closed.
func (w *ChannelWakeup) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	for _, ch := range w.subs {
		close(ch)
	}
	w.subs = nil
	return nil
}

const redisWakeupChannel = "ocapkernel:runqueue:wakeup"

// RedisWakeup is a cross-process Wakeup backed by Redis PUBLISH/SUBSCRIBE
// (SPEC_FULL.md's domain-stack wiring), grounded on the teacher's
// queue.RedisNotifier: it lets multiple kernel processes sharing one
// Postgres-backed KVStore observe each other's run-queue transitions.
type RedisWakeup struct {
	client *redis.Client

	mu     sync.Mutex
	subs   []*redisSub
	closed bool
}

type redisSub struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

// NewRedisWakeup returns a Wakeup backed by client.
func NewRedisWakeup(client *redis.Client) *RedisWakeup {
	return &RedisWakeup{client: client}
}

// Notify publishes a wakeup signal on the shared Redis channel.
func (w *RedisWakeup) Notify(ctx context.Context) error {
	return w.client.Publish(ctx, redisWakeupChannel, "1").Err()
}

// Subscribe opens (or reuses) a Redis PubSub subscription and forwards
// each published signal to the returned channel, non-blockingly.
func (w *RedisWakeup) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		close(ch)
		return ch
	}
	subCtx, cancel := context.WithCancel(ctx)
	rs := &redisSub{ch: ch, cancel: cancel}
	w.subs = append(w.subs, rs)
	w.mu.Unlock()

	pubsub := w.client.Subscribe(subCtx, redisWakeupChannel)

	go func() {
		defer pubsub.Close()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				w.removeSub(rs)
				return
			case _, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ch
}

// Close cancels every subscription and closes its channel.
func (w *RedisWakeup) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	for _, s := range w.subs {
		s.cancel()
		close(s.ch)
	}
	w.subs = nil
	return nil
}

func (w *RedisWakeup) removeSub(target *redisSub) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, s := range w.subs {
		if s == target {
			w.subs = append(w.subs[:i], w.subs[i+1:]...)
			break
		}
	}
}
