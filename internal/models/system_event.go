package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SystemEvent is the persisted form of an event bus event
type SystemEvent struct {
	gorm.Model
	EventID    string         `gorm:"uniqueIndex;size:255" json:"event_id"`
	Type       string         `gorm:"index;size:100" json:"type"`
	Timestamp  time.Time      `gorm:"index" json:"timestamp"`
	Source     string         `gorm:"size:100" json:"source"`
	Deployment string         `gorm:"index;size:255" json:"deployment,omitempty"`
	Subject    string         `gorm:"index;size:255" json:"subject,omitempty"` // backup, job or task id
	Data       datatypes.JSON `json:"data"`
}

// TableName overrides the table name
func (SystemEvent) TableName() string {
	return "system_events"
}
