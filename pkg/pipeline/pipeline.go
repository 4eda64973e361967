// Package pipeline decouples analysis from report delivery: analyses
// finish immediately while publishing happens on background workers with
// retries.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/extrisk/pkg/core"
	"github.com/exploopio/extrisk/pkg/errors"
	"github.com/exploopio/extrisk/pkg/xrs"
)

// Publisher delivers a finished report to its destination (a central
// platform, a file sink, a message bus).
type Publisher interface {
	Publish(ctx context.Context, report *xrs.RiskReport) error
}

// Config configures the publish pipeline.
type Config struct {
	// QueueSize is the maximum number of pending reports. Default 1000.
	QueueSize int

	// Workers is the number of concurrent publish workers. Default 3.
	Workers int

	// RetryAttempts is the number of retries after the first attempt.
	// Default 3, exponential backoff.
	RetryAttempts int

	// RetryDelay is the base delay between retries. Default 5s.
	RetryDelay time.Duration

	// PublishTimeout bounds each publish attempt. Default 2 minutes.
	PublishTimeout time.Duration

	// OnCompleted is called after a report is delivered.
	OnCompleted func(item *QueueItem)

	// OnRetry is called before each retry attempt.
	OnRetry func(item *QueueItem)

	// OnFailed is called when delivery fails after all retries.
	OnFailed func(item *QueueItem, err error)
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() *Config {
	return &Config{
		QueueSize:      1000,
		Workers:        3,
		RetryAttempts:  3,
		RetryDelay:     5 * time.Second,
		PublishTimeout: 2 * time.Minute,
	}
}

// QueueItem is one pending delivery.
type QueueItem struct {
	ID          string          `json:"id"`
	Report      *xrs.RiskReport `json:"-"`
	ExtensionID string          `json:"extension_id"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
}

// Pipeline manages async report delivery.
type Pipeline struct {
	cfg       *Config
	publisher Publisher
	logger    core.Logger

	queue chan *QueueItem

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	submitted  int64
	completed  int64
	failed     int64
	inProgress int32
}

// New creates a publish pipeline. cfg and logger may be nil.
func New(cfg *Config, publisher Publisher, logger core.Logger) *Pipeline {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = &core.NopLogger{}
	}
	return &Pipeline{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		queue:     make(chan *QueueItem, cfg.QueueSize),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the publish workers.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Debug("pipeline started with %d workers, queue size %d", p.cfg.Workers, p.cfg.QueueSize)
}

// Stop drains in-flight deliveries and stops the workers. The context
// bounds the wait.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("pipeline stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues a report for delivery and returns immediately.
func (p *Pipeline) Submit(report *xrs.RiskReport) (string, error) {
	const op = "pipeline.Submit"

	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	if !running {
		return "", errors.E(errors.KindInternal, op, "pipeline not running")
	}
	if report == nil {
		return "", errors.E(errors.KindInvalidInput, op, "report is required")
	}

	item := &QueueItem{
		ID:          uuid.New().String(),
		Report:      report,
		ExtensionID: report.ExtensionID,
		SubmittedAt: time.Now(),
	}
	select {
	case p.queue <- item:
		atomic.AddInt64(&p.submitted, 1)
		p.logger.Debug("report %s queued for %s", item.ID, item.ExtensionID)
		return item.ID, nil
	default:
		return "", errors.E(errors.KindRateLimit, op, "queue full")
	}
}

// QueueLength returns the current queue depth.
func (p *Pipeline) QueueLength() int {
	return len(p.queue)
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Submitted   int64 `json:"submitted"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	InProgress  int   `json:"in_progress"`
	QueueLength int   `json:"queue_length"`
}

// GetStats returns current pipeline statistics.
func (p *Pipeline) GetStats() *Stats {
	return &Stats{
		Submitted:   atomic.LoadInt64(&p.submitted),
		Completed:   atomic.LoadInt64(&p.completed),
		Failed:      atomic.LoadInt64(&p.failed),
		InProgress:  int(atomic.LoadInt32(&p.inProgress)),
		QueueLength: len(p.queue),
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			// drain remaining items before stopping
			for {
				select {
				case item := <-p.queue:
					p.process(ctx, item)
				default:
					return
				}
			}
		case item := <-p.queue:
			p.process(ctx, item)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, item *QueueItem) {
	atomic.AddInt32(&p.inProgress, 1)
	defer atomic.AddInt32(&p.inProgress, -1)

	var lastErr error
	for attempt := 0; attempt <= p.cfg.RetryAttempts; attempt++ {
		item.Attempts = attempt + 1

		if attempt > 0 {
			if p.cfg.OnRetry != nil {
				p.cfg.OnRetry(item)
			}
			shift := attempt - 1
			if shift > 30 {
				shift = 30
			}
			backoff := p.cfg.RetryDelay * time.Duration(1<<shift)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
		err := p.publisher.Publish(publishCtx, item.Report)
		cancel()

		if err == nil {
			atomic.AddInt64(&p.completed, 1)
			if p.cfg.OnCompleted != nil {
				p.cfg.OnCompleted(item)
			}
			p.logger.Debug("report %s delivered (attempt %d)", item.ID, item.Attempts)
			return
		}

		lastErr = err
		item.LastError = err.Error()
		p.logger.Warn("publish %s failed (attempt %d/%d): %v",
			item.ID, item.Attempts, p.cfg.RetryAttempts+1, err)
	}

	atomic.AddInt64(&p.failed, 1)
	if p.cfg.OnFailed != nil {
		p.cfg.OnFailed(item, lastErr)
	}
	p.logger.Error("publish %s permanently failed after %d attempts", item.ID, item.Attempts)
}

// Flush blocks until the queue is empty and nothing is in flight.
func (p *Pipeline) Flush(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if len(p.queue) == 0 && atomic.LoadInt32(&p.inProgress) == 0 {
				return nil
			}
		}
	}
}
