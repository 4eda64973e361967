package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/exploopio/extrisk/pkg/errors"
	"github.com/exploopio/extrisk/pkg/xrs"
)

type stubPublisher struct {
	mu       sync.Mutex
	calls    int
	failures int // fail the first N calls
	err      error
	seen     []string
}

func (s *stubPublisher) Publish(_ context.Context, report *xrs.RiskReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return s.err
	}
	s.seen = append(s.seen, report.ExtensionID)
	return nil
}

func (s *stubPublisher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testReport(extID string) *xrs.RiskReport {
	return &xrs.RiskReport{ExtensionID: extID, RiskScore: 42, RiskLevel: xrs.RiskMedium}
}

func TestSubmitAndDeliver(t *testing.T) {
	pub := &stubPublisher{}
	p := New(&Config{Workers: 2, QueueSize: 10, RetryDelay: time.Millisecond}, pub, nil)

	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop(ctx)

	id, err := p.Submit(testReport("ext-1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty item id")
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Flush(flushCtx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	stats := p.GetStats()
	if stats.Submitted != 1 || stats.Completed != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v, want 1 submitted, 1 completed", stats)
	}
}

func TestSubmitRequiresRunning(t *testing.T) {
	p := New(nil, &stubPublisher{}, nil)
	if _, err := p.Submit(testReport("ext-1")); err == nil {
		t.Fatal("expected error before Start")
	}
}

func TestSubmitRejectsNilReport(t *testing.T) {
	p := New(&Config{Workers: 1, QueueSize: 1, RetryDelay: time.Millisecond}, &stubPublisher{}, nil)
	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop(ctx)

	if _, err := p.Submit(nil); !errors.IsInvalidInput(err) {
		t.Fatalf("expected invalid input error, got %v", err)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	pub := &stubPublisher{failures: 2, err: errors.E(errors.KindNetwork, "stub", "connection refused")}
	var completed, retries int32
	cfg := &Config{
		Workers:       1,
		QueueSize:     10,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
		OnCompleted:   func(*QueueItem) { atomic.AddInt32(&completed, 1) },
		OnRetry:       func(*QueueItem) { atomic.AddInt32(&retries, 1) },
	}
	p := New(cfg, pub, nil)

	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop(ctx)

	if _, err := p.Submit(testReport("ext-retry")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Flush(flushCtx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if got := pub.callCount(); got != 3 {
		t.Fatalf("publish calls = %d, want 3", got)
	}
	if atomic.LoadInt32(&completed) != 1 {
		t.Fatal("expected OnCompleted callback")
	}
	if got := atomic.LoadInt32(&retries); got != 2 {
		t.Fatalf("OnRetry calls = %d, want 2", got)
	}
	if stats := p.GetStats(); stats.Failed != 0 || stats.Completed != 1 {
		t.Fatalf("stats = %+v, want no failures", stats)
	}
}

func TestPermanentFailure(t *testing.T) {
	pub := &stubPublisher{failures: 100, err: errors.E(errors.KindNetwork, "stub", "unreachable")}
	var failedItem *QueueItem
	var mu sync.Mutex
	cfg := &Config{
		Workers:       1,
		QueueSize:     10,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
		OnFailed: func(item *QueueItem, _ error) {
			mu.Lock()
			failedItem = item
			mu.Unlock()
		},
	}
	p := New(cfg, pub, nil)

	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop(ctx)

	if _, err := p.Submit(testReport("ext-dead")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Flush(flushCtx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if got := pub.callCount(); got != 3 {
		t.Fatalf("publish calls = %d, want 3 (1 + 2 retries)", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if failedItem == nil {
		t.Fatal("expected OnFailed callback")
	}
	if failedItem.Attempts != 3 {
		t.Fatalf("item attempts = %d, want 3", failedItem.Attempts)
	}
	if failedItem.LastError == "" {
		t.Fatal("expected last error recorded on item")
	}
	if stats := p.GetStats(); stats.Failed != 1 {
		t.Fatalf("stats = %+v, want 1 failure", stats)
	}
}

func TestQueueFull(t *testing.T) {
	p := New(&Config{Workers: 1, QueueSize: 1, RetryDelay: time.Millisecond}, &stubPublisher{}, nil)
	// mark running without starting workers so the queue never drains
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	if _, err := p.Submit(testReport("ext-a")); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	_, err := p.Submit(testReport("ext-b"))
	if errors.GetKind(err) != errors.KindRateLimit {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	pub := &stubPublisher{}
	p := New(&Config{Workers: 1, QueueSize: 10, RetryDelay: time.Millisecond}, pub, nil)

	ctx := context.Background()
	p.Start(ctx)

	for i := 0; i < 5; i++ {
		if _, err := p.Submit(testReport("ext-drain")); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := pub.callCount(); got != 5 {
		t.Fatalf("publish calls = %d, want 5 after drain", got)
	}
}
