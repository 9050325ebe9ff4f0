// Package buffer batches hub writes per tenant.
//
// A TenantBuffer accepts items from many producers (the gRPC handlers)
// and hands them to one worker goroutine. The worker groups items by
// tenant and calls the write function once a tenant's batch reaches the
// configured size. Items for one tenant are written in the order they
// were enqueued.
//
// Stop closes the buffer to new items, drains the queue and writes every
// partial batch, so nothing accepted before Stop is lost.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrClosed is returned by Enqueue once Stop has been called.
var ErrClosed = errors.New("buffer: closed")

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 10 * time.Second
)

// WriteFunc persists one batch for one tenant. The batch slice is owned
// by the callee.
type WriteFunc[T any] func(ctx context.Context, tenant string, batch []T) error

// Config configures a TenantBuffer.
type Config struct {
	// Name labels log lines and metrics ("metrics", "status").
	Name string

	// BatchSize is the number of items per tenant that triggers a write.
	BatchSize int

	// QueueSize bounds the number of items waiting for the worker.
	// Enqueue blocks while the queue is full.
	QueueSize int

	// FlushInterval, when positive, also writes partial batches on a timer.
	FlushInterval time.Duration

	// WriteTimeout bounds each call to the write function.
	WriteTimeout time.Duration
}

// Logger is the logging interface used by the buffer.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

// Observer receives buffer activity, typically for Prometheus metrics.
type Observer interface {
	ObserveEnqueue(buffer string)
	ObserveFlush(buffer string, size int, err error)
	ObserveQueueDepth(buffer string, depth int)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Error(string, ...any) {}

type noopObserver struct{}

func (noopObserver) ObserveEnqueue(string)           {}
func (noopObserver) ObserveFlush(string, int, error) {}
func (noopObserver) ObserveQueueDepth(string, int)   {}

type entry[T any] struct {
	tenant string
	value  T
}

// TenantBuffer is a bounded, tenant-partitioned batching queue.
type TenantBuffer[T any] struct {
	cfg   Config
	write WriteFunc[T]

	queue chan entry[T]

	// mu orders Enqueue against Stop: senders hold the read lock while
	// sending, Stop takes the write lock to flip closed.
	mu     sync.RWMutex
	closed bool

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	logger   Logger
	observer Observer

	// batches is owned by the worker goroutine.
	batches map[string][]T
}

// New creates a TenantBuffer. Call Start to launch the worker.
func New[T any](cfg Config, write WriteFunc[T]) *TenantBuffer[T] {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	return &TenantBuffer[T]{
		cfg:      cfg,
		write:    write,
		queue:    make(chan entry[T], cfg.QueueSize),
		done:     make(chan struct{}),
		logger:   noopLogger{},
		observer: noopObserver{},
		batches:  make(map[string][]T),
	}
}

// SetLogger sets the logger. Call before Start.
func (b *TenantBuffer[T]) SetLogger(logger Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// SetObserver sets the metrics observer. Call before Start.
func (b *TenantBuffer[T]) SetObserver(observer Observer) {
	if observer != nil {
		b.observer = observer
	}
}

// Start launches the worker. Cancelling ctx has the same effect as Stop.
func (b *TenantBuffer[T]) Start(ctx context.Context) {
	b.launch()

	go func() {
		select {
		case <-ctx.Done():
			b.Stop()
		case <-b.done:
		}
	}()
}

func (b *TenantBuffer[T]) launch() {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.run()
	})
}

// Enqueue adds item to tenant's pending batch. It blocks while the queue
// is full, returning ctx's error if ctx ends first, and returns ErrClosed
// after Stop.
func (b *TenantBuffer[T]) Enqueue(ctx context.Context, tenant string, item T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	select {
	case b.queue <- entry[T]{tenant: tenant, value: item}:
		b.observer.ObserveEnqueue(b.cfg.Name)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("buffer %s: enqueue: %w", b.cfg.Name, ctx.Err())
	}
}

// Len returns the number of items waiting for the worker.
func (b *TenantBuffer[T]) Len() int {
	return len(b.queue)
}

// Stop rejects further items, waits for the worker to write everything
// already accepted and returns. Safe to call more than once.
func (b *TenantBuffer[T]) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		// A buffer that was never started still drains what it holds.
		b.launch()
		close(b.done)
		b.wg.Wait()
	})
}

func (b *TenantBuffer[T]) run() {
	defer b.wg.Done()

	var tick <-chan time.Time
	if b.cfg.FlushInterval > 0 {
		ticker := time.NewTicker(b.cfg.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case e := <-b.queue:
			b.add(e)
			b.observer.ObserveQueueDepth(b.cfg.Name, len(b.queue))
		case <-tick:
			b.flushAll()
		case <-b.done:
			b.drain()
			return
		}
	}
}

// drain consumes whatever is left in the queue, then writes all partial
// batches. No sender can add to the queue once done is closed.
func (b *TenantBuffer[T]) drain() {
	for {
		select {
		case e := <-b.queue:
			b.add(e)
		default:
			b.flushAll()
			b.observer.ObserveQueueDepth(b.cfg.Name, 0)
			return
		}
	}
}

func (b *TenantBuffer[T]) add(e entry[T]) {
	batch := append(b.batches[e.tenant], e.value)
	if len(batch) >= b.cfg.BatchSize {
		delete(b.batches, e.tenant)
		b.flush(e.tenant, batch)
		return
	}
	b.batches[e.tenant] = batch
}

func (b *TenantBuffer[T]) flushAll() {
	tenants := make([]string, 0, len(b.batches))
	for tenant := range b.batches {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)

	for _, tenant := range tenants {
		batch := b.batches[tenant]
		delete(b.batches, tenant)
		if len(batch) > 0 {
			b.flush(tenant, batch)
		}
	}
}

// flush writes one batch. Failures are logged and the batch is dropped;
// the worker carries on with the next item.
func (b *TenantBuffer[T]) flush(tenant string, batch []T) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.WriteTimeout)
	defer cancel()

	err := b.safeWrite(ctx, tenant, batch)
	b.observer.ObserveFlush(b.cfg.Name, len(batch), err)

	if err != nil {
		b.logger.Error("dropping batch after write failure",
			"buffer", b.cfg.Name,
			"tenant", tenant,
			"size", len(batch),
			"error", err,
		)
		return
	}
	b.logger.Debug("batch written", "buffer", b.cfg.Name, "tenant", tenant, "size", len(batch))
}

func (b *TenantBuffer[T]) safeWrite(ctx context.Context, tenant string, batch []T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("buffer %s: write panicked: %v", b.cfg.Name, r)
		}
	}()
	return b.write(ctx, tenant, batch)
}
