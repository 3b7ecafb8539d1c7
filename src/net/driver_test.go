package net

import (
	"bytes"
	"testing"
)

func TestOutBufferOrder(t *testing.T) {
	b := newOutBuffer()
	b.push([]byte("one"))
	b.push([]byte("two"))
	b.push([]byte("three"))

	for _, want := range []string{"one", "two", "three"} {
		frame, state := b.pop()
		if state != outFrame {
			t.Fatalf("expected a frame, got state %v", state)
		}
		if !bytes.Equal(frame, []byte(want)) {
			t.Fatalf("expected %q, got %q", want, frame)
		}
	}
	if _, state := b.pop(); state != outWait {
		t.Fatal("empty open buffer should report wait")
	}
}

func TestOutBufferCloseFlushes(t *testing.T) {
	b := newOutBuffer()
	b.push([]byte("pending"))
	b.close()

	frame, state := b.pop()
	if state != outFrame || !bytes.Equal(frame, []byte("pending")) {
		t.Fatal("close dropped a pending frame")
	}
	if _, state := b.pop(); state != outClosed {
		t.Fatal("drained closed buffer should report closed")
	}
	if b.push([]byte("late")) {
		t.Fatal("push after close should be refused")
	}
}

func TestOutBufferAbortDrops(t *testing.T) {
	b := newOutBuffer()
	b.push([]byte("pending"))
	b.abort()

	if _, state := b.pop(); state != outClosed {
		t.Fatal("abort should drop pending frames")
	}
	if !b.isClosed() {
		t.Fatal("aborted buffer should report closed")
	}
}

func TestOutBufferSignal(t *testing.T) {
	b := newOutBuffer()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			frame, state := b.pop()
			switch state {
			case outFrame:
				_ = frame
			case outClosed:
				return
			case outWait:
				b.await()
			}
		}
	}()
	b.push([]byte("a"))
	b.push([]byte("b"))
	b.close()
	<-done
}
