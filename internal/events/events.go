// Package events provides the typed lifecycle event bus for the engine.
//
// Delivery is synchronous: events published by one workflow run arrive in
// publish order (FIFO per run). A panicking handler is isolated by the
// supervisor, which logs and continues delivery to the remaining handlers.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event names published by the engine.
const (
	BranchCreated      = "branch.created"
	WorkflowExecuted   = "workflow.executed"
	PullRequestCreated = "pull_request.created"
	WorkflowCompleted  = "workflow.completed"
	WorkflowFailed     = "workflow.failed"
	FallbackAttempted  = "fallback.attempted"
)

// BranchCreatedPayload accompanies BranchCreated.
type BranchCreatedPayload struct {
	ProjectPath string
	TaskID      string
	BranchName  string
	Timestamp   time.Time
}

// WorkflowExecutedPayload accompanies WorkflowExecuted.
type WorkflowExecutedPayload struct {
	WorkflowType string
	BranchName   string
}

// PullRequestCreatedPayload accompanies PullRequestCreated.
type PullRequestCreatedPayload struct {
	PRURL      string
	BranchName string
}

// WorkflowCompletedPayload accompanies WorkflowCompleted and WorkflowFailed.
// Notify is set when the submitter asked for an active completion
// notification; subscribers that fan out to external channels filter on it.
type WorkflowCompletedPayload struct {
	WorkflowID string
	Status     string
	AutoMerged bool
	Notify     bool
	Timestamp  time.Time
	Error      string
}

// FallbackAttemptedPayload accompanies FallbackAttempted.
type FallbackAttemptedPayload struct {
	WorkflowID string
	Outcome    string
	Detail     string
}

// Event is one published lifecycle event.
type Event struct {
	Name    string
	Payload any
}

// Handler receives published events.
type Handler func(Event)

// Bus fans events out to subscribers with per-subscriber failure isolation.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:   logger,
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for the named event.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish delivers the event to every subscriber of its name. One panicking
// handler never prevents delivery to the others nor aborts the publishing
// workflow step. Delivery order across handlers for one event is unspecified;
// events from one publisher arrive in publish order.
func (b *Bus) Publish(name string, payload any) {
	b.mu.RLock()
	handlers := b.handlers[name]
	b.mu.RUnlock()

	event := Event{Name: name, Payload: payload}
	for _, h := range handlers {
		b.deliver(h, event)
	}
}

func (b *Bus) deliver(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", event.Name),
				zap.Any("panic", r),
			)
		}
	}()
	h(event)
}
