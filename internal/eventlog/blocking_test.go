package eventlog

import (
	"context"
	"testing"
	"time"
)

func TestWaitForAppendWakes(t *testing.T) {
	l := newTestLog(t)
	done := make(chan bool, 1)
	go func() { done <- l.WaitForAppend(2 * time.Second) }()

	time.Sleep(10 * time.Millisecond)
	if _, err := l.Append(context.Background(), []AppendRecord{{Payload: []byte("x")}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	select {
	case woke := <-done:
		if !woke {
			t.Fatalf("waiter timed out instead of waking")
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter never returned")
	}
}

func TestWaitForAppendTimeout(t *testing.T) {
	l := newTestLog(t)
	if l.WaitForAppend(20 * time.Millisecond) {
		t.Fatalf("expected timeout")
	}
}
