package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATION DISPATCHER
// ══════════════════════════════════════════════════════════════════════════════

// Channel delivers notifications to one kind of recipient (websocket
// clients, the log).
type Channel interface {
	Name() string
	Deliver(ctx context.Context, n progression.Notification) error
}

// Dispatcher implements progression.NotificationSink. Notify only enqueues;
// workers fan each notification out to every channel with retry, and
// deliveries that still fail land in the dead letter queue.
type Dispatcher struct {
	queue       chan progression.Notification
	channels    []Channel
	policy      retry.Policy
	timeout     time.Duration
	deadLetterQ *DeadLetterQueue
	logger      *slog.Logger
	metrics     *DispatcherMetrics

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	workers int
}

// DispatcherConfig contains configuration for the Dispatcher.
type DispatcherConfig struct {
	// QueueSize bounds pending notifications; Notify drops beyond it.
	QueueSize int

	Workers int

	// DeliveryTimeout bounds one Deliver call.
	DeliveryTimeout time.Duration

	RetryPolicy retry.Policy

	DeadLetterQueueSize int

	Logger *slog.Logger
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	policy := retry.DefaultPolicy()
	// Channel errors are transient unless marked otherwise.
	policy.RetryIf = func(error) bool { return true }

	return DispatcherConfig{
		QueueSize:           1024,
		Workers:             4,
		DeliveryTimeout:     5 * time.Second,
		RetryPolicy:         policy,
		DeadLetterQueueSize: 500,
	}
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(config DispatcherConfig, channels ...Channel) *Dispatcher {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		queue:       make(chan progression.Notification, config.QueueSize),
		channels:    channels,
		policy:      config.RetryPolicy,
		timeout:     config.DeliveryTimeout,
		deadLetterQ: NewDeadLetterQueue(config.DeadLetterQueueSize),
		logger:      config.Logger.With("component", "notification_dispatcher"),
		metrics:     NewDispatcherMetrics(),
		ctx:         ctx,
		cancel:      cancel,
		workers:     config.Workers,
	}
}

// AddChannel registers another channel. Must be called before Start.
func (d *Dispatcher) AddChannel(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, ch)
}

// Notify enqueues n without blocking. A full queue drops the notification.
func (d *Dispatcher) Notify(_ context.Context, n progression.Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	select {
	case d.queue <- n:
		d.metrics.enqueued.Add(1)
	default:
		d.metrics.dropped.Add(1)
		d.logger.Warn("notification queue full, dropping",
			"user_id", n.UserID,
			"kind", n.Kind,
		)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.stopped {
		return
	}
	d.started = true

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info("dispatcher started", "workers", d.workers, "channels", len(d.channels))
}

// Stop stops accepting notifications, delivers what is queued and waits
// for the workers. ctx bounds the wait.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	started := d.started
	close(d.queue)
	d.mu.Unlock()

	if !started {
		d.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for n := range d.queue {
		d.dispatch(n)
	}
}

func (d *Dispatcher) dispatch(n progression.Notification) {
	d.mu.RLock()
	channels := d.channels
	d.mu.RUnlock()

	for _, ch := range channels {
		start := time.Now()
		out := d.policy.Do(d.ctx, func(ctx context.Context) error {
			return d.deliver(ctx, ch, n)
		})
		d.metrics.record(time.Since(start), out.Err == nil, out.Attempts)

		if out.Err != nil {
			d.deadLetterQ.Add(DeadLetterEntry{
				Notification: n,
				Channel:      ch.Name(),
				Error:        out.Err,
				Attempts:     out.Attempts,
				FailedAt:     time.Now(),
			})
			d.logger.Error("notification delivery failed",
				"channel", ch.Name(),
				"user_id", n.UserID,
				"kind", n.Kind,
				"attempts", out.Attempts,
				"error", out.Err,
			)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, n progression.Notification) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("channel panic recovered", "channel", ch.Name(), "panic", r, "stack", string(debug.Stack()))
			err = retry.Permanent(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
	}()
	return ch.Deliver(ctx, n)
}

// Metrics returns dispatcher metrics.
func (d *Dispatcher) Metrics() *DispatcherMetrics {
	return d.metrics
}

// DeadLetterQueue returns the dead letter queue.
func (d *Dispatcher) DeadLetterQueue() *DeadLetterQueue {
	return d.deadLetterQ
}

// ══════════════════════════════════════════════════════════════════════════════
// CHANNELS
// ══════════════════════════════════════════════════════════════════════════════

// LogChannel writes every notification to the log.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

// Name implements Channel.
func (c *LogChannel) Name() string { return "log" }

// Deliver implements Channel.
func (c *LogChannel) Deliver(ctx context.Context, n progression.Notification) error {
	c.logger.InfoContext(ctx, "notification",
		"user_id", n.UserID,
		"kind", n.Kind,
		"level", n.Level,
		"title", n.Title,
	)
	return nil
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc struct {
	ChannelName string
	Fn          func(ctx context.Context, n progression.Notification) error
}

// Name implements Channel.
func (c ChannelFunc) Name() string { return c.ChannelName }

// Deliver implements Channel.
func (c ChannelFunc) Deliver(ctx context.Context, n progression.Notification) error {
	if c.Fn == nil {
		return errors.New("channel func is nil")
	}
	return c.Fn(ctx, n)
}

// FilteredSink drops notifications that allow rejects before they reach the
// wrapped sink.
type FilteredSink struct {
	sink  progression.NotificationSink
	allow func(progression.Notification) bool
}

// NewFilteredSink wraps sink. A nil allow passes everything.
func NewFilteredSink(sink progression.NotificationSink, allow func(progression.Notification) bool) *FilteredSink {
	return &FilteredSink{sink: sink, allow: allow}
}

// Notify implements progression.NotificationSink.
func (f *FilteredSink) Notify(ctx context.Context, n progression.Notification) {
	if f.allow != nil && !f.allow(n) {
		return
	}
	f.sink.Notify(ctx, n)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEAD LETTER QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// DeadLetterEntry represents a delivery that failed after all retries.
type DeadLetterEntry struct {
	Notification progression.Notification
	Channel      string
	Error        error
	Attempts     int
	FailedAt     time.Time
}

// DeadLetterQueue keeps the most recent failed deliveries.
type DeadLetterQueue struct {
	mu      sync.RWMutex
	entries []DeadLetterEntry
	maxSize int
}

// NewDeadLetterQueue creates a new dead letter queue.
func NewDeadLetterQueue(maxSize int) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &DeadLetterQueue{maxSize: maxSize}
}

// Add appends entry, evicting the oldest at capacity.
func (q *DeadLetterQueue) Add(entry DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
}

// Entries returns a copy of all entries.
func (q *DeadLetterQueue) Entries() []DeadLetterEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]DeadLetterEntry, len(q.entries))
	copy(result, q.entries)
	return result
}

// Size returns the current queue size.
func (q *DeadLetterQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER METRICS
// ══════════════════════════════════════════════════════════════════════════════

// DispatcherMetrics tracks delivery counts.
type DispatcherMetrics struct {
	enqueued   atomic.Int64
	dropped    atomic.Int64
	delivered  atomic.Int64
	failed     atomic.Int64
	retries    atomic.Int64
	durationNs atomic.Int64
}

// NewDispatcherMetrics creates new dispatcher metrics.
func NewDispatcherMetrics() *DispatcherMetrics {
	return &DispatcherMetrics{}
}

func (m *DispatcherMetrics) record(d time.Duration, success bool, attempts int) {
	m.durationNs.Add(int64(d))
	if attempts > 1 {
		m.retries.Add(int64(attempts - 1))
	}
	if success {
		m.delivered.Add(1)
	} else {
		m.failed.Add(1)
	}
}

// DispatcherMetricsSnapshot is a point-in-time snapshot.
type DispatcherMetricsSnapshot struct {
	Enqueued        int64         `json:"enqueued"`
	Dropped         int64         `json:"dropped"`
	Delivered       int64         `json:"delivered"`
	Failed          int64         `json:"failed"`
	Retries         int64         `json:"retries"`
	AverageDuration time.Duration `json:"average_duration"`
}

// Snapshot returns a point-in-time snapshot.
func (m *DispatcherMetrics) Snapshot() DispatcherMetricsSnapshot {
	s := DispatcherMetricsSnapshot{
		Enqueued:  m.enqueued.Load(),
		Dropped:   m.dropped.Load(),
		Delivered: m.delivered.Load(),
		Failed:    m.failed.Load(),
		Retries:   m.retries.Load(),
	}
	if total := s.Delivered + s.Failed; total > 0 {
		s.AverageDuration = time.Duration(m.durationNs.Load() / total)
	}
	return s
}
