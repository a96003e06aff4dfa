package repos

import (
	"github.com/yungbote/interception-backend/internal/data/repos/runs"
	"github.com/yungbote/interception-backend/internal/platform/logger"
	"gorm.io/gorm"
)

type RunRecordRepo = runs.RunRecordRepo
type RunListFilter = runs.ListFilter

type Repos struct {
	Runs RunRecordRepo
}

func New(db *gorm.DB, log *logger.Logger) Repos {
	return Repos{
		Runs: runs.NewRunRecordRepo(db, log),
	}
}
