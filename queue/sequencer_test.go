package queue

import (
	"testing"
	"time"
)

func TestSequencerRunsInOrder(t *testing.T) {
	s := NewSequencer(8)
	defer s.Stop()

	var got []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		last := i == 4
		s.Enqueue(func() {
			got = append(got, i)
			if last {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for jobs to run")
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("jobs ran out of order: %v", got)
		}
	}
}

func TestSequencerStopDrainsBacklog(t *testing.T) {
	s := NewSequencer(4)
	ran := make(chan struct{}, 1)
	s.Enqueue(func() { ran <- struct{}{} })
	s.Stop()
	s.Wait()

	select {
	case <-ran:
	default:
		t.Fatal("expected enqueued job to run before shutdown")
	}
}
