package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestChannel_PingRoundTrip(t *testing.T) {
	kernelSide, vatSide := NewLoopback()
	defer kernelSide.Close()
	defer vatSide.Close()

	ch := NewChannel("v1", kernelSide)
	go func() {
		env, err := vatSide.Receive()
		if err != nil {
			return
		}
		result, _ := json.Marshal("pong")
		vatSide.Send(Envelope{ID: env.ID, Result: result})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ch.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestChannel_CallPropagatesErrorReply(t *testing.T) {
	kernelSide, vatSide := NewLoopback()
	defer kernelSide.Close()
	defer vatSide.Close()

	ch := NewChannel("v1", kernelSide)
	go func() {
		env, err := vatSide.Receive()
		if err != nil {
			return
		}
		vatSide.Send(Envelope{ID: env.ID, Error: "boom"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := ch.Call(ctx, MethodDeliver, nil)
	if err == nil || err.Error() != "boom" {
		t.Fatalf("Call() err = %v, want \"boom\"", err)
	}
}

func TestChannel_CallTimesOutOnContextCancel(t *testing.T) {
	kernelSide, vatSide := NewLoopback()
	defer kernelSide.Close()
	defer vatSide.Close()

	ch := NewChannel("v1", kernelSide)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ch.Call(ctx, MethodDeliver, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call() err = %v, want DeadlineExceeded", err)
	}
}

func TestChannel_ServeLoopDispatchesUnsolicitedRequest(t *testing.T) {
	kernelSide, vatSide := NewLoopback()
	defer kernelSide.Close()
	defer vatSide.Close()

	ch := NewChannel("v1", kernelSide)
	received := make(chan Envelope, 1)
	go ch.ServeLoop(func(env Envelope) Envelope {
		received <- env
		result, _ := json.Marshal("ok")
		return Envelope{Result: result}
	})

	vatSide.Send(Envelope{ID: "v1:1", Method: "send", Params: json.RawMessage(`{"foo":1}`)})

	select {
	case env := <-received:
		if env.Method != "send" {
			t.Fatalf("dispatched method = %q, want send", env.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("ServeLoop did not dispatch request")
	}

	reply, err := vatSide.Receive()
	if err != nil {
		t.Fatalf("Receive reply: %v", err)
	}
	var s string
	json.Unmarshal(reply.Result, &s)
	if s != "ok" {
		t.Fatalf("reply result = %q, want ok", s)
	}
}
