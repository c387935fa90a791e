package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnqueueRunsJob(t *testing.T) {
	s := New(Config{})
	got, err := s.Enqueue(Request{
		Lane:   LaneDefault,
		UserID: "alice",
		Run:    func() (any, error) { return "done", nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "done" {
		t.Errorf("result = %v", got)
	}
}

func TestInvalidJob(t *testing.T) {
	s := New(Config{})
	_, err := s.Enqueue(Request{Lane: LaneDefault})
	if !IsCode(err, CodeInvalidJob) {
		t.Errorf("nil run err = %v", err)
	}
	_, err = s.Enqueue(Request{Lane: "vip", Run: func() (any, error) { return nil, nil }})
	if !IsCode(err, CodeInvalidJob) {
		t.Errorf("unknown lane err = %v", err)
	}
}

func TestJobErrorPropagates(t *testing.T) {
	s := New(Config{})
	boom := errors.New("boom")
	_, err := s.Enqueue(Request{Lane: LaneFast, Run: func() (any, error) { return nil, boom }})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestPerUserInflightCap(t *testing.T) {
	s := New(Config{MaxInFlightGlobal: 10, MaxInFlightPerUser: 1})

	release := make(chan struct{})
	var running, peak int32

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Enqueue(Request{ //nolint:errcheck
				Lane:   LaneDefault,
				UserID: "alice",
				Run: func() (any, error) {
					cur := atomic.AddInt32(&running, 1)
					for {
						p := atomic.LoadInt32(&peak)
						if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
							break
						}
					}
					<-release
					atomic.AddInt32(&running, -1)
					return nil, nil
				},
			})
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&peak); got != 1 {
		t.Errorf("peak concurrent for user = %d, want 1", got)
	}
}

func TestGlobalInflightCap(t *testing.T) {
	s := New(Config{MaxInFlightGlobal: 2, MaxInFlightPerUser: 10})

	release := make(chan struct{})
	var running, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		user := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Enqueue(Request{ //nolint:errcheck
				Lane:   LaneDefault,
				UserID: user,
				Run: func() (any, error) {
					cur := atomic.AddInt32(&running, 1)
					for {
						p := atomic.LoadInt32(&peak)
						if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
							break
						}
					}
					<-release
					atomic.AddInt32(&running, -1)
					return nil, nil
				},
			})
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Errorf("peak global concurrency = %d, want <= 2", got)
	}
}

func TestQueueFull(t *testing.T) {
	s := New(Config{MaxInFlightGlobal: 1, MaxQueueSize: 1, MaxInFlightPerUser: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	go s.Enqueue(Request{Lane: LaneDefault, UserID: "a", Run: func() (any, error) { //nolint:errcheck
		close(started)
		<-release
		return nil, nil
	}})
	<-started

	// Fills the single queue slot (same user, so the per-user cap parks it).
	go s.Enqueue(Request{Lane: LaneDefault, UserID: "a", Run: func() (any, error) { return nil, nil }}) //nolint:errcheck
	time.Sleep(20 * time.Millisecond)

	_, err := s.Enqueue(Request{Lane: LaneDefault, UserID: "b", Run: func() (any, error) { return nil, nil }})
	se := &Error{}
	if !errors.As(err, &se) || se.Code != CodeQueueFull {
		t.Fatalf("err = %v, want queue_full", err)
	}
	if se.RetryAfterMs <= 0 {
		t.Errorf("queue_full must carry a retry hint, got %d", se.RetryAfterMs)
	}
	close(release)
}

func TestSupersedeCancelsQueuedJobs(t *testing.T) {
	s := New(Config{
		MaxInFlightGlobal:    1,
		MaxInFlightPerUser:   1,
		SupersedeQueuedByKey: true,
	})

	release := make(chan struct{})
	started := make(chan struct{})
	go s.Enqueue(Request{Lane: LaneDefault, UserID: "a", Run: func() (any, error) { //nolint:errcheck
		close(started)
		<-release
		return nil, nil
	}})
	<-started

	olderErr := make(chan error, 1)
	go func() {
		_, err := s.Enqueue(Request{
			Lane: LaneDefault, UserID: "a", SupersedeKey: "draft-7",
			Run: func() (any, error) { return "old", nil },
		})
		olderErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	newerDone := make(chan struct{})
	go func() {
		defer close(newerDone)
		s.Enqueue(Request{ //nolint:errcheck
			Lane: LaneDefault, UserID: "a", SupersedeKey: "draft-7",
			Run: func() (any, error) { return "new", nil },
		})
	}()

	select {
	case err := <-olderErr:
		if !IsCode(err, CodeSuperseded) {
			t.Errorf("older job err = %v, want superseded", err)
		}
	case <-time.After(time.Second):
		t.Fatal("older job was not superseded")
	}
	close(release)
	<-newerDone
}

func TestQueueStalePruning(t *testing.T) {
	s := New(Config{MaxInFlightGlobal: 1, MaxInFlightPerUser: 1, QueueStale: 50 * time.Millisecond})

	release := make(chan struct{})
	started := make(chan struct{})
	go s.Enqueue(Request{Lane: LaneDefault, UserID: "a", Run: func() (any, error) { //nolint:errcheck
		close(started)
		<-release
		return nil, nil
	}})
	<-started

	staleErr := make(chan error, 1)
	go func() {
		_, err := s.Enqueue(Request{Lane: LaneDefault, UserID: "a", Run: func() (any, error) { return nil, nil }})
		staleErr <- err
	}()
	time.Sleep(80 * time.Millisecond)

	// A fresh enqueue prunes the stale queue entry.
	go s.Enqueue(Request{Lane: LaneFast, UserID: "b", Run: func() (any, error) { return nil, nil }}) //nolint:errcheck

	select {
	case err := <-staleErr:
		if !IsCode(err, CodeQueueStale) {
			t.Errorf("stale job err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stale job never rejected")
	}
	close(release)
}

func TestCappedUserDoesNotBlockEligibleJobsBehindIt(t *testing.T) {
	// The hog holds its single per-user slot; its queued jobs sit at the head
	// of the lane FIFO but must be skipped so the guest behind them runs.
	s := New(Config{MaxInFlightGlobal: 4, MaxInFlightPerUser: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	go s.Enqueue(Request{Lane: LaneDefault, UserID: "hog", Run: func() (any, error) { //nolint:errcheck
		close(started)
		<-release
		return nil, nil
	}})
	<-started

	for i := 0; i < 3; i++ {
		go s.Enqueue(Request{Lane: LaneDefault, UserID: "hog", Run: func() (any, error) { //nolint:errcheck
			return nil, nil
		}})
	}
	time.Sleep(20 * time.Millisecond)

	guestRan := make(chan struct{})
	go s.Enqueue(Request{Lane: LaneDefault, UserID: "guest", Run: func() (any, error) { //nolint:errcheck
		close(guestRan)
		return nil, nil
	}})

	select {
	case <-guestRan:
	case <-time.After(time.Second):
		t.Fatal("guest starved behind capped user's queued jobs")
	}
	close(release)
}
