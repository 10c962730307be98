package runqueue

import (
	"context"
	"testing"
	"time"
)

func TestChannelWakeup_NotifyAndSubscribe(t *testing.T) {
	w := NewChannelWakeup()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := w.Subscribe(ctx)
	if ch == nil {
		t.Fatal("Subscribe should return non-nil channel")
	}
	if err := w.Notify(ctx); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected wakeup signal")
	}
}

func TestChannelWakeup_NotifyWithoutSubscriberDoesNotBlock(t *testing.T) {
	w := NewChannelWakeup()
	defer w.Close()
	if err := w.Notify(context.Background()); err != nil {
		t.Fatalf("Notify with no subscribers: %v", err)
	}
}

func TestChannelWakeup_CloseUnblocksSubscribers(t *testing.T) {
	w := NewChannelWakeup()
	ctx := context.Background()
	ch := w.Subscribe(ctx)

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed, got a value")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock subscriber")
	}
}

func TestChannelWakeup_SubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	w := NewChannelWakeup()
	w.Close()
	ch := w.Subscribe(context.Background())
	_, ok := <-ch
	if ok {
		t.Fatal("expected already-closed channel after Close")
	}
}

func TestChannelWakeup_ContextCancelRemovesSubscriber(t *testing.T) {
	w := NewChannelWakeup()
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	w.Subscribe(ctx)
	cancel()
	time.Sleep(10 * time.Millisecond)

	w.mu.Lock()
	n := len(w.subs)
	w.mu.Unlock()
	if n != 0 {
		t.Fatalf("subscriber count after cancel = %d, want 0", n)
	}
}
