package taskreg

import (
	"testing"
	"time"
)

func TestStartDoneTracksLen(t *testing.T) {
	r := New()
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}

	_, done1 := r.Start()
	_, done2 := r.Start()
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}

	done1()
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	done2()
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}

func TestDoneIsIdempotent(t *testing.T) {
	r := New()
	_, done := r.Start()
	done()
	done()
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}

func TestIDsAreUnique(t *testing.T) {
	r := New()
	seen := map[uint64]bool{}
	for i := 0; i < 100; i++ {
		id, done := r.Start()
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
		done()
	}
}

func TestWaitBlocksUntilAllDone(t *testing.T) {
	r := New()
	_, done := r.Start()

	waitReturned := make(chan struct{})
	go func() {
		r.Wait()
		close(waitReturned)
	}()

	select {
	case <-waitReturned:
		t.Fatal("Wait returned before done was called")
	case <-time.After(20 * time.Millisecond):
	}

	done()

	select {
	case <-waitReturned:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after done")
	}
}
