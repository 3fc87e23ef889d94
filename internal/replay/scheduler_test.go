package replay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type sink struct {
	mu     sync.Mutex
	chunks [][]byte
	times  []time.Time
	fail   map[int]bool
}

func (s *sink) send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.chunks) + len(s.fail)
	if s.fail[idx] {
		delete(s.fail, idx)
		return errors.New("transport closing")
	}
	s.chunks = append(s.chunks, b)
	s.times = append(s.times, time.Now())
	return nil
}

func makeChunks(n int) [][]byte {
	chunks := make([][]byte, n)
	for i := range chunks {
		chunks[i] = []byte{byte(i)}
	}
	return chunks
}

func TestScheduler_CadenceAndOrder(t *testing.T) {
	s := &sink{}
	sched := &Scheduler{Clock: clock.New(), Interval: ChunkDuration, Send: s.send, Log: testLogger()}

	start := time.Now()
	res := sched.Run(context.Background(), makeChunks(4))

	if res.Sent != 4 || res.Skipped != 0 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	for i, at := range s.times {
		if s.chunks[i][0] != byte(i) {
			t.Errorf("chunk %d delivered out of order", i)
		}
		if min := time.Duration(i) * ChunkDuration; at.Sub(start) < min {
			t.Errorf("chunk %d observed after %v, before %v", i, at.Sub(start), min)
		}
	}
	if total := time.Since(start); total > 3*ChunkDuration+400*time.Millisecond {
		t.Errorf("replay took too long: %v", total)
	}
}

func TestScheduler_SkipsWhenNotAlive(t *testing.T) {
	s := &sink{}
	alive := true
	var mu sync.Mutex
	sched := &Scheduler{
		Interval: 10 * time.Millisecond,
		Send: func(b []byte) error {
			err := s.send(b)
			mu.Lock()
			alive = false
			mu.Unlock()
			return err
		},
		Alive: func() bool {
			mu.Lock()
			defer mu.Unlock()
			return alive
		},
		Log: testLogger(),
	}

	res := sched.Run(context.Background(), makeChunks(5))
	if res.Sent != 1 || res.Skipped != 4 {
		t.Errorf("expected 1 sent and 4 skipped, got %+v", res)
	}
}

func TestScheduler_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &sink{}
	sched := &Scheduler{
		Interval: time.Second,
		Send: func(b []byte) error {
			cancel()
			return s.send(b)
		},
		Log: testLogger(),
	}

	done := make(chan Result, 1)
	go func() { done <- sched.Run(ctx, makeChunks(3)) }()

	select {
	case res := <-done:
		if res.Sent != 1 || res.Skipped != 2 {
			t.Errorf("expected 1 sent and 2 skipped, got %+v", res)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("scheduler did not stop on cancel")
	}
}

func TestScheduler_SendErrorsDoNotStop(t *testing.T) {
	s := &sink{fail: map[int]bool{1: true}}
	sched := &Scheduler{Interval: 5 * time.Millisecond, Send: s.send, Log: testLogger()}

	res := sched.Run(context.Background(), makeChunks(3))
	if res.Sent != 2 || res.Failed != 1 {
		t.Errorf("expected 2 sent and 1 failed, got %+v", res)
	}
}

func TestScheduler_Empty(t *testing.T) {
	sched := &Scheduler{Send: func([]byte) error { return nil }}
	if res := sched.Run(context.Background(), nil); res != (Result{}) {
		t.Errorf("expected zero result, got %+v", res)
	}
}
