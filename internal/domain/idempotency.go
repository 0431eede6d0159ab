package domain

import "time"

// Idempotency records a completed, replayable request keyed by (scope, key).
// The cron trigger uses it so that a client retrying the same
// Idempotency-Key does not enqueue a second refresh job.
type Idempotency struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Scope     string    `gorm:"type:VARCHAR(64) NOT NULL;uniqueIndex:ux_scope_key,priority:1"`
	Key       string    `gorm:"type:VARCHAR(200) NOT NULL;uniqueIndex:ux_scope_key,priority:2"`
	JobID     string    `gorm:"type:VARCHAR(64) NOT NULL"`
	Response  string    `gorm:"type:TEXT NOT NULL"`
	Status    int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
