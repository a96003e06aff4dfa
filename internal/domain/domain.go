package domain

import (
	"github.com/yungbote/interception-backend/internal/domain/runs"
)

const (
	RunStatusRunning   = runs.StatusRunning
	RunStatusCompleted = runs.StatusCompleted
	RunStatusFailed    = runs.StatusFailed
	RunStatusBlocked   = runs.StatusBlocked
	RunStatusAbandoned = runs.StatusAbandoned
)

type RunRecord = runs.RunRecord
