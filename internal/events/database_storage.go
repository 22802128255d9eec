package events

import (
	"encoding/json"
	"time"

	"github.com/deployd/agent/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultQueryLimit = 1000

// DatabaseEventStorage keeps the event history in the agent database
type DatabaseEventStorage struct {
	db *gorm.DB
}

// NewDatabaseEventStorage creates a new database event storage
func NewDatabaseEventStorage(db *gorm.DB) *DatabaseEventStorage {
	return &DatabaseEventStorage{db: db}
}

// Store saves an event to the database
func (s *DatabaseEventStorage) Store(event Event) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}

	return s.db.Create(&models.SystemEvent{
		EventID:    event.ID,
		Type:       string(event.Type),
		Timestamp:  event.Timestamp,
		Source:     event.Source,
		Deployment: event.Deployment,
		Subject:    event.Subject,
		Data:       datatypes.JSON(dataJSON),
	}).Error
}

// Query returns matching events, newest first
func (s *DatabaseEventStorage) Query(filters EventFilters) ([]Event, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var rows []models.SystemEvent
	err := applyFilters(s.db.Model(&models.SystemEvent{}), filters).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]Event, len(rows))
	for i, row := range rows {
		out[i] = rowToEvent(row)
	}
	return out, nil
}

// Prune hard-deletes events older than before and returns how many went.
func (s *DatabaseEventStorage) Prune(before time.Time) (int64, error) {
	res := s.db.Unscoped().Where("timestamp < ?", before).Delete(&models.SystemEvent{})
	return res.RowsAffected, res.Error
}

func applyFilters(q *gorm.DB, f EventFilters) *gorm.DB {
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		q = q.Where("type IN ?", types)
	}
	if f.Deployment != "" {
		q = q.Where("deployment = ?", f.Deployment)
	}
	if f.Subject != "" {
		q = q.Where("subject = ?", f.Subject)
	}
	if !f.StartTime.IsZero() {
		q = q.Where("timestamp >= ?", f.StartTime)
	}
	if !f.EndTime.IsZero() {
		q = q.Where("timestamp <= ?", f.EndTime)
	}
	return q
}

func rowToEvent(row models.SystemEvent) Event {
	var data map[string]interface{}
	if len(row.Data) > 0 {
		_ = json.Unmarshal(row.Data, &data)
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	return Event{
		ID:         row.EventID,
		Type:       EventType(row.Type),
		Timestamp:  row.Timestamp,
		Source:     row.Source,
		Deployment: row.Deployment,
		Subject:    row.Subject,
		Data:       data,
	}
}
