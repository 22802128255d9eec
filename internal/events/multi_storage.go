package events

import (
	"errors"

	"github.com/deployd/agent/pkg/logger"
)

// MultiEventStorage stores events in multiple backends simultaneously
type MultiEventStorage struct {
	storages []EventStorage
}

// NewMultiEventStorage creates a storage that writes to multiple backends
func NewMultiEventStorage(storages ...EventStorage) *MultiEventStorage {
	return &MultiEventStorage{
		storages: storages,
	}
}

// Store saves an event to every backend; one failing backend does not skip the rest.
func (s *MultiEventStorage) Store(event Event) error {
	var errs []error
	for _, storage := range s.storages {
		if err := storage.Store(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Query asks the backends in order and returns the first answer.
func (s *MultiEventStorage) Query(filters EventFilters) ([]Event, error) {
	var lastErr error
	for i, storage := range s.storages {
		events, err := storage.Query(filters)
		if err == nil {
			return events, nil
		}
		logger.Warn("Failed to query events from storage backend", map[string]interface{}{
			"backend_index": i,
			"error":         err.Error(),
		})
		lastErr = err
	}
	return nil, lastErr
}
