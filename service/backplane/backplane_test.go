package backplane

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryPublishSubscribe(t *testing.T) {
	bp := NewMemoryBackplane("node-1")
	var got *Event
	if err := bp.Subscribe(ChannelChat, func(ctx context.Context, ev *Event) error {
		got = ev
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	payload, _ := json.Marshal(map[string]string{"k": "v"})
	ev := &Event{EventID: "e1", Namespace: "chat", Name: "message.new", Ts: time.Now().UnixMilli(), Payload: payload}
	if err := bp.Publish(context.Background(), ChannelChat, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got == nil {
		t.Fatalf("handler not invoked")
	}
	if got.Origin != "node-1" {
		t.Fatalf("origin = %q, want node-1", got.Origin)
	}
	if got.Channel != ChannelChat {
		t.Fatalf("channel = %q", got.Channel)
	}
}

func TestIdemMiddlewareDedup(t *testing.T) {
	store := NewMemIdem(time.Minute)
	calls := 0
	h := Chain(func(ctx context.Context, ev *Event) error {
		calls++
		return nil
	}, IdemMiddleware(store, time.Minute))

	ev := &Event{EventID: "dup", Channel: ChannelNotify}
	for i := 0; i < 5; i++ {
		if err := h(context.Background(), ev); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	// 不同 EventID 正常通过
	if err := h(context.Background(), &Event{EventID: "other", Channel: ChannelNotify}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestIdemScopedByChannel(t *testing.T) {
	store := NewMemIdem(time.Minute)
	mw := IdemMiddleware(store, time.Minute)
	calls := 0
	h := Chain(func(ctx context.Context, ev *Event) error {
		calls++
		return nil
	}, mw)

	// 同 EventID 不同频道互不影响
	_ = h(context.Background(), &Event{EventID: "x", Channel: ChannelChat})
	_ = h(context.Background(), &Event{EventID: "x", Channel: ChannelNotify})
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, ev *Event) error {
				order = append(order, name)
				return next(ctx, ev)
			}
		}
	}
	h := Chain(func(ctx context.Context, ev *Event) error {
		order = append(order, "handler")
		return nil
	}, mk("a"), mk("b"))

	_ = h(context.Background(), &Event{})
	want := []string{"a", "b", "handler"}
	for i, n := range want {
		if order[i] != n {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestEventRoundTrip(t *testing.T) {
	ev := &Event{EventID: "e1", Channel: ChannelChat, Namespace: "chat", Name: "typing", Origin: "n1", Ts: 42, Payload: json.RawMessage(`{"a":1}`)}
	raw, err := ev.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.EventID != ev.EventID || back.Name != ev.Name || back.Origin != ev.Origin {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}
