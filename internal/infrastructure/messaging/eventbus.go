// Package messaging implements the in-memory event bus that carries domain
// events between the command handlers that emit them and the listeners that
// react. The engine runs as a single process, so no broker sits behind it;
// the bus is the only delivery path and must never let one bad listener
// take down a publisher.
package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluentlane/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrEventBusClosed rejects publishes and subscriptions after Close.
	ErrEventBusClosed = errors.New("messaging: event bus closed")

	// ErrHandlerPanic is recorded when a handler panics during delivery.
	ErrHandlerPanic = errors.New("messaging: handler panicked")

	ErrNilHandler = errors.New("messaging: nil handler")
	ErrNilEvent   = errors.New("messaging: nil event")
)

// Delivery outcomes reported to metrics.
const (
	outcomeOK    = "ok"
	outcomeError = "error"
	outcomePanic = "panic"
)

// defaultWorkerPoolSize bounds async deliveries when the config does not.
const defaultWorkerPoolSize = 10

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryEventBus delivers events to subscribed handlers, synchronously or
// through a bounded worker pool. Handler panics are contained and reported
// as failed deliveries; they never propagate to the publisher.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	handlers    map[shared.EventType][]shared.EventHandler
	allHandlers []shared.EventHandler
	asyncMode   bool
	workerPool  chan struct{}
	logger      *slog.Logger
	metrics     *busMetrics
	closed      bool
	closeCh     chan struct{}
	wg          sync.WaitGroup
}

// InMemoryEventBusConfig configures the bus. The zero value is a
// synchronous bus, delivering on the publisher's goroutine.
type InMemoryEventBusConfig struct {
	// AsyncMode delivers events through the worker pool instead of on the
	// publisher's goroutine.
	AsyncMode bool

	// WorkerPoolSize bounds concurrent async deliveries.
	WorkerPoolSize int

	// Logger for structured logging.
	Logger *slog.Logger

	// Registerer receives the bus delivery metrics; nil disables them.
	Registerer prometheus.Registerer
}

// DefaultInMemoryEventBusConfig is the worker's configuration: async
// delivery so a slow listener cannot stall a command handler.
func DefaultInMemoryEventBusConfig() InMemoryEventBusConfig {
	return InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: defaultWorkerPoolSize,
	}
}

// NewInMemoryEventBus builds a bus from config, filling in defaults.
func NewInMemoryEventBus(config InMemoryEventBusConfig) *InMemoryEventBus {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = defaultWorkerPoolSize
	}

	bus := &InMemoryEventBus{
		handlers:   make(map[shared.EventType][]shared.EventHandler),
		asyncMode:  config.AsyncMode,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		logger:     config.Logger,
		closeCh:    make(chan struct{}),
	}

	if config.Registerer != nil {
		bus.metrics = newBusMetrics(config.Registerer)
	}

	return bus
}

// Subscribe registers a handler for one event type. A handler registered
// twice runs twice per event.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	if handler == nil {
		return ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.logger.Debug("subscribed handler", "event_type", eventType)

	return nil
}

// SubscribeAll registers a handler that receives every event regardless
// of type.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	if handler == nil {
		return ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}

	b.allHandlers = append(b.allHandlers, handler)
	b.logger.Debug("subscribed global handler")

	return nil
}

// Publish sends an event to all subscribed handlers. In async mode the
// call returns once deliveries are enqueued; delivery failures surface in
// logs and metrics, never as a publish error.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return ErrNilEvent
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}

	handlers := make([]shared.EventHandler, 0, len(b.handlers[event.EventType()])+len(b.allHandlers))
	handlers = append(handlers, b.handlers[event.EventType()]...)
	handlers = append(handlers, b.allHandlers...)
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.published.WithLabelValues(string(event.EventType())).Inc()
	}

	if len(handlers) == 0 {
		b.logger.Debug("no handlers for event", "event_type", event.EventType())
		return nil
	}

	if b.asyncMode {
		for _, handler := range handlers {
			b.deliverAsync(event, handler)
		}
	} else {
		for _, handler := range handlers {
			b.deliver(event, handler)
		}
	}

	return nil
}

// deliverAsync hands one delivery to the worker pool.
func (b *InMemoryEventBus) deliverAsync(event shared.Event, handler shared.EventHandler) {
	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		select {
		case b.workerPool <- struct{}{}:
			defer func() { <-b.workerPool }()
		case <-b.closeCh:
			return
		}

		b.deliver(event, handler)
	}()
}

// deliver runs one handler with panic containment and records the outcome.
func (b *InMemoryEventBus) deliver(event shared.Event, handler shared.EventHandler) {
	start := time.Now()
	err := b.callHandler(event, handler)
	duration := time.Since(start)

	outcome := outcomeOK
	switch {
	case errors.Is(err, ErrHandlerPanic):
		outcome = outcomePanic
	case err != nil:
		outcome = outcomeError
	}

	if b.metrics != nil {
		b.metrics.deliveries.WithLabelValues(string(event.EventType()), outcome).Inc()
		b.metrics.duration.WithLabelValues(string(event.EventType())).Observe(duration.Seconds())
	}

	if err != nil {
		b.logger.Error("event delivery failed",
			"event_type", event.EventType(),
			"duration", duration,
			"error", err,
		)
	}
}

// callHandler invokes the handler, converting a panic into an error.
func (b *InMemoryEventBus) callHandler(event shared.Event, handler shared.EventHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	return handler(event)
}

// Close stops accepting events and waits for in-flight deliveries.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closeCh)
	b.mu.Unlock()

	b.wg.Wait()

	b.logger.Info("event bus closed")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// busMetrics tracks publications and per-handler deliveries.
type busMetrics struct {
	published  *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func newBusMetrics(reg prometheus.Registerer) *busMetrics {
	factory := promauto.With(reg)
	return &busMetrics{
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "progress_engine",
			Subsystem: "eventbus",
			Name:      "events_published_total",
			Help:      "Events published to the bus, by type.",
		}, []string{"event_type"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "progress_engine",
			Subsystem: "eventbus",
			Name:      "deliveries_total",
			Help:      "Handler deliveries, by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "progress_engine",
			Subsystem: "eventbus",
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time, by event type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
	}
}
