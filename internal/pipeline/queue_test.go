package pipeline

import (
	"testing"
	"time"
)

func TestQueueDeliversInOrder(t *testing.T) {
	q := NewQueue[int]()
	defer q.Close()

	for i := 0; i < 100; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) rejected on an open queue", i)
		}
	}
	for i := 0; i < 100; i++ {
		select {
		case got := <-q.Out():
			if got != i {
				t.Fatalf("got %d, want %d", got, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for item %d", i)
		}
	}
}

func TestQueuePushDoesNotBlockWithoutConsumer(t *testing.T) {
	q := NewQueue[int]()
	defer q.Close()

	const n = 10000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			q.Push(i)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pushes blocked with no consumer attached")
	}

	deadline := time.Now().Add(time.Second)
	for q.Len() != n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := q.Len(); got != n {
		t.Fatalf("Len() = %d, want %d", got, n)
	}
}

func TestQueueCloseClosesOut(t *testing.T) {
	q := NewQueue[int]()
	q.Push(1)
	q.Push(2)
	q.Close()

	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-q.Out():
			if ok {
				// An item already on offer when Close lands may still be
				// handed out. Keep reading until the channel closes.
				continue
			}
			if q.Push(3) {
				t.Fatal("Push accepted after Close")
			}
			return
		case <-timeout:
			t.Fatal("out channel never closed")
		}
	}
}

func TestQueueCloseIsIdempotent(t *testing.T) {
	q := NewQueue[int]()
	q.Close()
	q.Close()

	if q.Push(1) {
		t.Fatal("Push accepted after Close")
	}
}

func TestQueueLenTracksBuffer(t *testing.T) {
	q := NewQueue[string]()
	defer q.Close()

	if got := q.Len(); got != 0 {
		t.Fatalf("Len() = %d on an empty queue", got)
	}
	q.Push("a")
	q.Push("b")

	deadline := time.Now().Add(time.Second)
	for q.Len() != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := q.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	<-q.Out()
	deadline = time.Now().Add(time.Second)
	for q.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := q.Len(); got != 1 {
		t.Fatalf("Len() = %d after one receive, want 1", got)
	}
}
