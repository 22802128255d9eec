package events

import (
	"sync"
	"time"

	"github.com/deployd/agent/pkg/logger"
	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	// Backup and restore events
	EventBackupCreated       EventType = "backup.created"
	EventBackupFailed        EventType = "backup.failed"
	EventBackupRestored      EventType = "backup.restored"
	EventBackupRestoreFailed EventType = "backup.restore_failed"
	EventBackupDeleted       EventType = "backup.deleted"
	EventBackupPruned        EventType = "backup.pruned"
	EventBackupConfigChanged EventType = "backup.config_changed"

	// Scheduler events
	EventTaskCreated  EventType = "task.created"
	EventTaskUpdated  EventType = "task.updated"
	EventTaskDeleted  EventType = "task.deleted"
	EventTaskExecuted EventType = "task.executed"
	EventTaskFailed   EventType = "task.failed"

	// Terminal events
	EventTerminalOpened EventType = "terminal.opened"
	EventTerminalClosed EventType = "terminal.closed"
)

// AllEventTypes lists every event the agent publishes
var AllEventTypes = []EventType{
	EventBackupCreated, EventBackupFailed, EventBackupRestored, EventBackupRestoreFailed,
	EventBackupDeleted, EventBackupPruned, EventBackupConfigChanged,
	EventTaskCreated, EventTaskUpdated, EventTaskDeleted, EventTaskExecuted, EventTaskFailed,
	EventTerminalOpened, EventTerminalClosed,
}

// Event represents a system event
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	Source     string                 `json:"source"` // e.g. "backup_service", "scheduler"
	Deployment string                 `json:"deployment,omitempty"`
	Subject    string                 `json:"subject,omitempty"` // backup, job, task or container id
	Data       map[string]interface{} `json:"data"`
}

// EventHandler is a function that handles events
type EventHandler func(event Event)

// EventBus manages event publishing and subscription
type EventBus struct {
	subscribers map[EventType][]EventHandler
	mu          sync.RWMutex
	storage     EventStorage
}

// EventStorage defines the interface for storing events
type EventStorage interface {
	Store(event Event) error
	Query(filters EventFilters) ([]Event, error)
}

// EventFilters for querying events
type EventFilters struct {
	Types      []EventType
	Deployment string
	Subject    string
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
}

var (
	globalBus     *EventBus
	globalBusOnce sync.Once
)

// GetEventBus returns the global event bus instance (singleton)
func GetEventBus() *EventBus {
	globalBusOnce.Do(func() {
		globalBus = NewEventBus(nil)
	})
	return globalBus
}

// NewEventBus creates a new event bus
func NewEventBus(storage EventStorage) *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]EventHandler),
		storage:     storage,
	}
}

// SetStorage sets the event storage backend
func (eb *EventBus) SetStorage(storage EventStorage) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.storage = storage
}

// Subscribe registers a handler for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], handler)
	logger.Debug("Event handler subscribed", map[string]interface{}{
		"event_type": eventType,
	})
}

// Publish stores the event and notifies subscribers. A nil bus drops events.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	eb.mu.RLock()
	storage := eb.storage
	handlers := append([]EventHandler(nil), eb.subscribers[event.Type]...)
	eb.mu.RUnlock()

	if storage != nil {
		if err := storage.Store(event); err != nil {
			logger.Error("Failed to store event", err, map[string]interface{}{
				"event_id":   event.ID,
				"event_type": event.Type,
			})
		}
	}

	for _, handler := range handlers {
		// Handlers must not block the publisher
		go func(h EventHandler) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Event handler panicked", nil, map[string]interface{}{
						"event_type": event.Type,
						"panic":      r,
					})
				}
			}()
			h(event)
		}(handler)
	}

	logger.Debug("Event published", map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
		"source":     event.Source,
	})
}

// Query retrieves events based on filters
func (eb *EventBus) Query(filters EventFilters) ([]Event, error) {
	if eb == nil {
		return nil, nil
	}
	eb.mu.RLock()
	storage := eb.storage
	eb.mu.RUnlock()
	if storage == nil {
		return nil, nil
	}
	return storage.Query(filters)
}
