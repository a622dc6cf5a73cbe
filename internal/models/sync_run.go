package models

import (
	"time"
)

// Sync run outcomes
const (
	SyncRunSuccess = "success"
	SyncRunFailure = "failure"
	SyncRunSkipped = "skipped"
)

// SyncRun records the outcome of one ingestion cycle
type SyncRun struct {
	ID           string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	Status       string    `json:"status" gorm:"type:varchar(20);not null;index"`
	Trigger      string    `json:"trigger" gorm:"type:varchar(20);not null"`
	Pages        int       `json:"pages"`
	Fetched      int       `json:"fetched"`
	Imported     int       `json:"imported"`
	Duplicates   int       `json:"duplicates"`
	Ignored      int       `json:"ignored"`
	Rejected     int       `json:"rejected"`
	CursorBefore string    `json:"cursor_before" gorm:"type:varchar(20)"`
	CursorAfter  string    `json:"cursor_after" gorm:"type:varchar(20)"`
	ErrorMsg     string    `json:"error_msg" gorm:"type:text"`
	StartedAt    time.Time `json:"started_at" gorm:"not null;index"`
	FinishedAt   time.Time `json:"finished_at"`
}

// TableName specifies the table name for SyncRun
func (SyncRun) TableName() string {
	return "sync_runs"
}
