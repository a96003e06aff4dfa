package runs

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusBlocked   = "blocked"
	StatusAbandoned = "abandoned"
)

// RunRecord is the searchable index row for one pipeline run. The run
// directory stays the source of truth; this row mirrors its headline fields.
type RunRecord struct {
	RunID         string         `gorm:"column:run_id;primaryKey;size:128" json:"run_id"`
	ConfigName    string         `gorm:"column:config_name;not null;index" json:"config_name"`
	ExecutionMode string         `gorm:"column:execution_mode;not null" json:"execution_mode"`
	SafetyLevel   string         `gorm:"column:safety_level;not null" json:"safety_level"`
	UserID        string         `gorm:"column:user_id;index" json:"user_id,omitempty"`
	Status        string         `gorm:"column:status;not null;index" json:"status"`
	Stage         int            `gorm:"column:stage;not null;default:0" json:"stage"`
	Step          string         `gorm:"column:step" json:"step"`
	ErrorType     string         `gorm:"column:error_type" json:"error_type,omitempty"`
	Error         string         `gorm:"column:error" json:"error,omitempty"`
	InputPreview  string         `gorm:"column:input_preview" json:"input_preview,omitempty"`
	Outputs       datatypes.JSON `gorm:"column:outputs" json:"outputs"`
	StartedAt     time.Time      `gorm:"column:started_at;not null;index" json:"started_at"`
	FinishedAt    *time.Time     `gorm:"column:finished_at;index" json:"finished_at,omitempty"`
	CreatedAt     time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;index" json:"updated_at"`
}

func (RunRecord) TableName() string { return "pipeline_run" }

func (r *RunRecord) Terminal() bool {
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusBlocked, StatusAbandoned:
		return true
	}
	return false
}
