// Package events is a small topic-based fanout used to serialize writes
// to per-client WebSocket connections in the relay host.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HandlerFunc is the function called when an event is emitted.
type HandlerFunc func(context.Context, any) error

// SubjectOption configures a Subject.
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	bufferSize   int
	syncDelivery bool
	logger       *slog.Logger
}

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.bufferSize = size
	}
}

// WithLogger sets a structured logger for event system errors.
func WithLogger(logger *slog.Logger) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.logger = logger
	}
}

// WithSyncDelivery forces synchronous (inline) event delivery.
// This serializes all handler calls within the single eventLoop goroutine,
// which is required when handlers must not run concurrently (WebSocket writes).
func WithSyncDelivery() SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.syncDelivery = true
	}
}

type event struct {
	topic   string
	message any
}

// Subscription is a handler attached to a topic.
type Subscription struct {
	Topic       string
	ID          string
	Handler     HandlerFunc
	Unsubscribe func()
}

// Subject routes emitted events to topic subscribers through one loop goroutine.
type Subject struct {
	mu     sync.RWMutex
	subs   map[string]map[string]Subscription
	nextID int64

	events   chan event
	shutdown chan struct{}
	closed   bool
	done     chan struct{}

	config subjectConfig
}

// NewSubject creates a new Subject with optional configuration.
func NewSubject(opts ...SubjectOption) *Subject {
	cfg := subjectConfig{bufferSize: 512}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Subject{
		subs:     make(map[string]map[string]Subscription),
		events:   make(chan event, cfg.bufferSize),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		config:   cfg,
	}

	go s.eventLoop()
	return s
}

// Emit emits an event to the given topic.
func Emit[T any](subject *Subject, topic string, value T) error {
	select {
	case subject.events <- event{topic: topic, message: value}:
		return nil
	case <-subject.shutdown:
		return fmt.Errorf("subject closed, dropped event for topic %s", topic)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("failed to emit event to topic %s", topic)
	}
}

// Subscribe subscribes a typed handler to the given topic.
// The returned Subscription carries an Unsubscribe func.
func Subscribe[T any](subject *Subject, topic string, handler func(context.Context, T) error) Subscription {
	wrapped := HandlerFunc(func(ctx context.Context, data any) error {
		typed, ok := data.(T)
		if !ok {
			return fmt.Errorf("type assertion failed for %T", data)
		}
		return handler(ctx, typed)
	})

	subject.mu.Lock()
	subject.nextID++
	id := fmt.Sprintf("%s-%d", topic, subject.nextID)
	sub := Subscription{Topic: topic, ID: id, Handler: wrapped}
	sub.Unsubscribe = func() {
		subject.mu.Lock()
		defer subject.mu.Unlock()
		if topicSubs, ok := subject.subs[topic]; ok {
			delete(topicSubs, id)
			if len(topicSubs) == 0 {
				delete(subject.subs, topic)
			}
		}
	}
	if _, ok := subject.subs[topic]; !ok {
		subject.subs[topic] = make(map[string]Subscription)
	}
	subject.subs[topic][id] = sub
	subject.mu.Unlock()

	return sub
}

// Complete shuts down the subject. Idempotent.
func Complete(s *Subject) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.shutdown)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
	}
}

func (s *Subject) eventLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.shutdown:
			return
		case evt := <-s.events:
			s.mu.RLock()
			topicSubs := make([]Subscription, 0, len(s.subs[evt.topic]))
			for _, sub := range s.subs[evt.topic] {
				topicSubs = append(topicSubs, sub)
			}
			s.mu.RUnlock()

			for _, sub := range topicSubs {
				s.deliver(sub, evt)
			}
		}
	}
}

func (s *Subject) deliver(sub Subscription, evt event) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sub.Handler(ctx, evt.message); err != nil && s.config.logger != nil {
			s.config.logger.Debug("event handler error",
				"topic", evt.topic,
				"error", err,
				"subscription_id", sub.ID)
		}
	}

	if s.config.syncDelivery {
		run()
	} else {
		go run()
	}
}
