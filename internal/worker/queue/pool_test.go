package queue

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type recordingObserver struct {
	mu     sync.Mutex
	jobs   map[string]int
	errors int
	depths []int
}

func (o *recordingObserver) RecordJob(kind string, err error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.jobs == nil {
		o.jobs = map[string]int{}
	}
	o.jobs[kind]++
	if err != nil {
		o.errors++
	}
}

func (o *recordingObserver) SetQueueDepth(depth int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.depths = append(o.depths, depth)
}

func TestKind_Priority_Order(t *testing.T) {
	order := []Kind{KindTestConnection, KindDeliverToUser, KindPollTimeline, KindPollFeed, KindProcessImport}
	for i := 1; i < len(order); i++ {
		if order[i-1].Priority() <= order[i].Priority() {
			t.Errorf("%s should outrank %s", order[i-1], order[i])
		}
	}
}

func TestPool_RunsByPriorityThenFIFO(t *testing.T) {
	p := NewPool(1, newTestLogger())

	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	record := func(name string) func(context.Context) error {
		wg.Add(1)
		return func(context.Context) error {
			defer wg.Done()
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
			return nil
		}
	}

	p.Submit(Job{Kind: KindProcessImport, Run: record("import")})
	p.Submit(Job{Kind: KindPollFeed, Run: record("feed-1")})
	p.Submit(Job{Kind: KindPollTimeline, Run: record("timeline")})
	p.Submit(Job{Kind: KindPollFeed, Run: record("feed-2")})
	p.Submit(Job{Kind: KindDeliverToUser, Run: record("deliver")})
	p.Submit(Job{Kind: KindTestConnection, Run: record("test")})

	p.Start()
	wg.Wait()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	want := []string{"test", "deliver", "timeline", "feed-1", "feed-2", "import"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestPool_DeduplicatesQueuedKey(t *testing.T) {
	p := NewPool(1, newTestLogger())

	noop := func(context.Context) error { return nil }
	if !p.Submit(Job{Kind: KindPollFeed, Key: "feed:1", Run: noop}) {
		t.Fatal("first submit should be accepted")
	}
	if p.Submit(Job{Kind: KindPollFeed, Key: "feed:1", Run: noop}) {
		t.Error("duplicate key should be rejected while queued")
	}
	if !p.Submit(Job{Kind: KindPollFeed, Key: "feed:2", Run: noop}) {
		t.Error("different key should be accepted")
	}
	if p.Len() != 2 {
		t.Errorf("Len = %d, want 2", p.Len())
	}
}

func TestPool_DeduplicatesInFlightKey_ReleasedAfterRun(t *testing.T) {
	p := NewPool(1, newTestLogger())

	started := make(chan struct{})
	release := make(chan struct{})
	p.Submit(Job{Kind: KindPollFeed, Key: "feed:1", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	p.Start()
	<-started

	if p.Submit(Job{Kind: KindPollFeed, Key: "feed:1", Run: func(context.Context) error { return nil }}) {
		t.Error("key should be rejected while in flight")
	}
	close(release)

	deadline := time.After(2 * time.Second)
	for {
		if p.Submit(Job{Kind: KindPollFeed, Key: "feed:1", Run: func(context.Context) error { return nil }}) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("key was not released after job finished")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestPool_EmptyKeyNeverDeduplicated(t *testing.T) {
	p := NewPool(1, newTestLogger())
	noop := func(context.Context) error { return nil }
	for i := 0; i < 3; i++ {
		if !p.Submit(Job{Kind: KindDeliverToUser, Run: noop}) {
			t.Fatalf("submit %d rejected", i)
		}
	}
	if p.Len() != 3 {
		t.Errorf("Len = %d, want 3", p.Len())
	}
}

func TestPool_ShutdownDrainsQueue(t *testing.T) {
	obs := &recordingObserver{}
	p := NewPool(3, newTestLogger(), WithObserver(obs))

	var mu sync.Mutex
	count := 0
	for i := 0; i < 20; i++ {
		p.Submit(Job{Kind: KindDeliverToUser, Run: func(context.Context) error {
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		}})
	}
	p.Start()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if count != 20 {
		t.Errorf("executed %d jobs, want 20", count)
	}
	if obs.jobs[string(KindDeliverToUser)] != 20 {
		t.Errorf("observer saw %d jobs, want 20", obs.jobs[string(KindDeliverToUser)])
	}
	if len(obs.depths) == 0 || obs.depths[len(obs.depths)-1] != 0 {
		t.Errorf("final depth should be 0, got %v", obs.depths)
	}
}

func TestPool_ShutdownDiscardsReschedulableJobs(t *testing.T) {
	p := NewPool(1, newTestLogger())

	var mu sync.Mutex
	var got []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
			return nil
		}
	}
	started := make(chan struct{})
	release := make(chan struct{})
	p.Submit(Job{Kind: KindDeliverToUser, Run: func(ctx context.Context) error {
		close(started)
		<-release
		return record("deliver-1")(ctx)
	}})
	p.Submit(Job{Kind: KindPollFeed, Key: "poll-feed:1", Run: record("feed")})
	p.Submit(Job{Kind: KindPollTimeline, Key: "poll-timeline:1", Run: record("timeline")})
	p.Submit(Job{Kind: KindProcessImport, Key: "process-import:1", Run: record("import")})
	p.Submit(Job{Kind: KindDeliverToUser, Run: record("deliver-2")})
	p.Start()
	<-started

	done := make(chan error, 1)
	go func() { done <- p.Shutdown(context.Background()) }()
	waitClosed(p)
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	want := []string{"deliver-1", "deliver-2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("executed %v, want %v", got, want)
	}
}

// waitClosed はShutdownが受付を止めるまで待つ。
func waitClosed(p *Pool) {
	for {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPool_AcceptsDeliveriesFromRunningJobDuringShutdown(t *testing.T) {
	p := NewPool(1, newTestLogger())

	release := make(chan struct{})
	started := make(chan struct{})
	delivered := make(chan struct{}, 1)
	var accepted, rejected bool
	p.Submit(Job{Kind: KindPollFeed, Run: func(context.Context) error {
		close(started)
		<-release
		accepted = p.Submit(Job{Kind: KindDeliverToUser, Run: func(context.Context) error {
			delivered <- struct{}{}
			return nil
		}})
		rejected = !p.Submit(Job{Kind: KindPollFeed, Key: "feed:2", Run: func(context.Context) error { return nil }})
		return nil
	}})
	p.Start()
	<-started

	done := make(chan error, 1)
	go func() { done <- p.Shutdown(context.Background()) }()
	waitClosed(p)
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !accepted {
		t.Error("delivery submitted by a running job should be accepted during shutdown")
	}
	if !rejected {
		t.Error("poll job should be rejected during shutdown")
	}
	select {
	case <-delivered:
	default:
		t.Error("accepted delivery should run before the pool stops")
	}
}

func TestPool_SubmitAfterShutdownRejected(t *testing.T) {
	p := NewPool(1, newTestLogger())
	p.Start()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if p.Submit(Job{Kind: KindPollFeed, Run: func(context.Context) error { return nil }}) {
		t.Error("submit after shutdown should be rejected")
	}
	if p.Submit(Job{Kind: KindDeliverToUser, Run: func(context.Context) error { return nil }}) {
		t.Error("delivery after the workers stopped should be rejected")
	}
}

func TestPool_ShutdownTimeoutCancelsRunningJobs(t *testing.T) {
	p := NewPool(1, newTestLogger())

	started := make(chan struct{})
	cancelled := make(chan struct{})
	p.Submit(Job{Kind: KindProcessImport, Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}})
	p.Submit(Job{Kind: KindProcessImport, Run: func(context.Context) error {
		t.Error("queued job should be dropped on shutdown timeout")
		return nil
	}})
	p.Start()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown error = %v, want DeadlineExceeded", err)
	}

	select {
	case <-cancelled:
	default:
		t.Error("running job context should be cancelled")
	}
}

func TestPool_RecoversFromPanic(t *testing.T) {
	p := NewPool(1, newTestLogger())

	ran := false
	p.Submit(Job{Kind: KindPollFeed, Key: "a", Run: func(context.Context) error {
		panic("boom")
	}})
	p.Submit(Job{Kind: KindPollFeed, Key: "b", Run: func(context.Context) error {
		ran = true
		return nil
	}})
	p.Start()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !ran {
		t.Error("pool should keep running after a panicking job")
	}
}

func TestPool_ObserverCountsFailures(t *testing.T) {
	obs := &recordingObserver{}
	p := NewPool(1, newTestLogger(), WithObserver(obs))
	p.Submit(Job{Kind: KindPollTimeline, Run: func(context.Context) error { return errors.New("upstream down") }})
	p.Start()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if obs.errors != 1 {
		t.Errorf("errors = %d, want 1", obs.errors)
	}
}
