package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/brainkernel/brain/brainerr"
)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return string(rune('a' + n))
	}
}

func TestSend_NoHandler(t *testing.T) {
	b := New(nil, seqIDs())
	resp := b.Send("nope", nil, false)
	if resp.Success || resp.Error != "no handler" {
		t.Fatalf("expected no handler error, got %+v", resp)
	}
}

func TestSend_OrderPreserved(t *testing.T) {
	b := New(nil, seqIDs())
	var order []int
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		i := i
		b.Subscribe("evt", func(msg Message) Response {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return Response{Success: true, Data: i}
		}, "")
	}

	resp := b.Send("evt", nil, true)
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected registration order, got %v", order)
		}
	}
}

func TestSend_TargetFilterWildcard(t *testing.T) {
	b := New(nil, seqIDs())
	called := false
	b.Subscribe("evt", func(msg Message) Response {
		called = true
		return Response{Success: true}
	}, "cli:*")

	b.Send("evt", nil, false, WithTarget("web:1"))
	if called {
		t.Fatal("handler should not have matched a different prefix")
	}

	b.Send("evt", nil, false, WithTarget("cli:123"))
	if !called {
		t.Fatal("handler should have matched the wildcard prefix")
	}
}

func TestSend_BroadcastNoop(t *testing.T) {
	b := New(nil, seqIDs())
	b.Subscribe("evt", func(msg Message) Response {
		return Response{Noop: true}
	}, "")
	b.Subscribe("evt", func(msg Message) Response {
		return Response{Success: true, Data: "ok"}
	}, "")

	resp := b.Send("evt", nil, true)
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	data, ok := resp.Data.([]any)
	if !ok || len(data) != 1 {
		t.Fatalf("expected noop handler excluded from results, got %+v", resp.Data)
	}
}

func TestSend_HandlerPanicIsolated(t *testing.T) {
	b := New(nil, seqIDs())
	b.Subscribe("evt", func(msg Message) Response {
		panic("boom")
	}, "")
	ran := false
	b.Subscribe("evt", func(msg Message) Response {
		ran = true
		return Response{Success: true}
	}, "")

	b.Send("evt", nil, true)
	if !ran {
		t.Fatal("expected second handler to run despite first panicking")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil, seqIDs())
	calls := 0
	unsub := b.Subscribe("evt", func(msg Message) Response {
		calls++
		return Response{Success: true}
	}, "")

	b.Send("evt", nil, false)
	unsub()
	b.Send("evt", nil, false)

	if calls != 1 {
		t.Fatalf("expected exactly 1 call after unsubscribe, got %d", calls)
	}
}

func TestSend_TimesOutSlowHandler(t *testing.T) {
	b := New(nil, seqIDs())
	b.Subscribe("evt", func(msg Message) Response {
		time.Sleep(200 * time.Millisecond)
		return Response{Success: true, Data: "too late"}
	}, "")

	resp := b.Send("evt", nil, false, WithTimeout(20*time.Millisecond))
	if resp.Success {
		t.Fatalf("expected timeout failure, got %+v", resp)
	}
	if !brainerr.Is(resp.Err, brainerr.Timeout) {
		t.Fatalf("expected a brainerr.Timeout, got %v", resp.Err)
	}
}

func TestSend_DefaultTimeoutDoesNotFireForFastHandlers(t *testing.T) {
	b := New(nil, seqIDs())
	b.Subscribe("evt", func(msg Message) Response {
		return Response{Success: true, Data: "ok"}
	}, "")

	resp := b.Send("evt", nil, false)
	if !resp.Success || resp.Data != "ok" {
		t.Fatalf("expected fast handler to succeed normally, got %+v", resp)
	}
}
