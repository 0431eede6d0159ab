package domain

import "time"

// Job states stored in JobRow.Status.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobFailed  = "failed"
)

// JobRow is the persisted form of a RefreshJob in the SQL-backed queue.
// Seq orders jobs strictly by arrival.
type JobRow struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement"`
	JobID      string    `gorm:"type:VARCHAR(64) NOT NULL;uniqueIndex"`
	CacheKey   string    `gorm:"type:VARCHAR(200)"`
	Params     string    `gorm:"type:TEXT NOT NULL"`
	Status     string    `gorm:"type:VARCHAR(16) NOT NULL;index"`
	Attempts   int       `gorm:"not null;default:0"`
	LastError  string    `gorm:"type:TEXT"`
	EnqueuedAt time.Time `gorm:"not null"`
	UpdatedAt  time.Time
}

// TableName implements the GORM tabler interface.
func (JobRow) TableName() string { return "refresh_jobs" }
