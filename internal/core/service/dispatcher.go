package service

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const (
	defaultSinkTimeout      = 5 * time.Second
	defaultDeliveryAttempts = 3
	defaultRetryInterval    = 50 * time.Millisecond
)

type appended struct {
	event    domain.StockEvent
	snapshot domain.Availability
}

// shard is one worker's queue. When the queue is full, further events for a
// product are coalesced in overflow, keeping only the newest, until the
// worker has emptied the queue.
type shard struct {
	queue    chan appended
	wake     chan struct{}
	mu       sync.Mutex
	overflow map[string]appended
}

// Dispatcher fans appended events out to sinks. Each product hashes to one
// shard and each shard has one worker, so a sink sees a product's events in
// ledger order. Enqueue never blocks: under backpressure intermediate events
// of a product are skipped and the sink receives the latest one.
type Dispatcher struct {
	shards        []*shard
	sinks         []port.LedgerSink
	logger        zerolog.Logger
	metrics       port.Metrics
	timeout       time.Duration
	attempts      uint64
	retryInterval time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

func WithDispatcherLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

func WithDispatcherMetrics(m port.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

func WithSinkTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithSinkRetry sets how many times a delivery is attempted and the first
// backoff interval between attempts.
func WithSinkRetry(attempts int, interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.attempts = uint64(attempts)
		}
		if interval > 0 {
			d.retryInterval = interval
		}
	}
}

func NewDispatcher(workerCount, queueSize int, sinks []port.LedgerSink, opts ...DispatcherOption) *Dispatcher {
	if workerCount <= 0 {
		workerCount = 1
	}
	d := &Dispatcher{
		shards:        make([]*shard, workerCount),
		sinks:         sinks,
		logger:        zerolog.Nop(),
		metrics:       port.NopMetrics{},
		timeout:       defaultSinkTimeout,
		attempts:      defaultDeliveryAttempts,
		retryInterval: defaultRetryInterval,
	}
	for i := range d.shards {
		d.shards[i] = &shard{
			queue:    make(chan appended, queueSize),
			wake:     make(chan struct{}, 1),
			overflow: make(map[string]appended),
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a sink. Call it before Start.
func (d *Dispatcher) Register(sink port.LedgerSink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, sink)
	d.mu.Unlock()
}

// Start launches one worker per shard.
func (d *Dispatcher) Start() {
	for i, sh := range d.shards {
		d.wg.Add(1)
		go func(id int, sh *shard) {
			defer d.wg.Done()
			d.workerLoop(id, sh)
		}(i, sh)
	}
}

// Enqueue hands ev to its shard without blocking. It is called inside the
// product's exclusive section.
func (d *Dispatcher) Enqueue(ev domain.StockEvent, snap domain.Availability) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || len(d.sinks) == 0 {
		return
	}

	sh := d.shards[d.shardFor(ev.ProductID)]
	item := appended{event: ev, snapshot: snap}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev, pending := sh.overflow[ev.ProductID]
	if !pending {
		select {
		case sh.queue <- item:
			return
		default:
		}
	} else {
		d.metrics.SinkFailed("dispatcher")
		d.logger.Warn().
			Str("product_id", ev.ProductID).
			Uint64("skipped_seq", prev.event.Seq).
			Uint64("seq", ev.Seq).
			Msg("shard queue full, coalescing deliveries")
	}
	sh.overflow[ev.ProductID] = item

	select {
	case sh.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting events and waits for queued ones to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, sh := range d.shards {
		close(sh.queue)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) shardFor(productID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(productID))
	return int(h.Sum32() % uint32(len(d.shards)))
}

// workerLoop delivers queued events first. Coalesced events are newer than
// anything queued for the same product, so they go out once the queue is empty.
func (d *Dispatcher) workerLoop(id int, sh *shard) {
	for {
		select {
		case item, ok := <-sh.queue:
			if !ok {
				d.drainOverflow(id, sh)
				return
			}
			d.deliver(id, item)
			if len(sh.queue) == 0 {
				d.drainOverflow(id, sh)
			}
		case <-sh.wake:
			if len(sh.queue) == 0 {
				d.drainOverflow(id, sh)
			}
		}
	}
}

func (d *Dispatcher) drainOverflow(id int, sh *shard) {
	sh.mu.Lock()
	if len(sh.overflow) == 0 {
		sh.mu.Unlock()
		return
	}
	items := sh.overflow
	sh.overflow = make(map[string]appended)
	sh.mu.Unlock()

	for _, item := range items {
		d.deliver(id, item)
	}
}

func (d *Dispatcher) deliver(id int, item appended) {
	for _, sink := range d.sinks {
		if err := d.deliverWithRetry(sink, item); err != nil {
			d.metrics.SinkFailed(sink.Name())
			d.logger.Error().
				Int("worker", id).
				Str("sink", sink.Name()).
				Str("product_id", item.event.ProductID).
				Uint64("seq", item.event.Seq).
				Err(err).
				Msg("sink delivery failed")
		}
	}
}

func (d *Dispatcher) deliverWithRetry(sink port.LedgerSink, item appended) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryInterval
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		return sink.Deliver(ctx, item.event, item.snapshot)
	}, backoff.WithMaxRetries(b, d.attempts-1))
}
