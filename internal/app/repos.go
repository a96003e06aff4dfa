package app

import (
	"fmt"

	"github.com/yungbote/interception-backend/internal/data/db"
	"github.com/yungbote/interception-backend/internal/data/repos"
	"github.com/yungbote/interception-backend/internal/data/repos/runs"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

// Repos is empty when no run-index database is configured.
type Repos struct {
	DB    *db.Service
	Runs  repos.RunRecordRepo
	Index *runs.Index
}

func wireRepos(log *logger.Logger, cfg Config) (Repos, error) {
	opts := db.Options{DatabaseURL: cfg.DatabaseURL, SQLitePath: cfg.SQLitePath}
	if !opts.Enabled() {
		log.Info("Run index disabled (no DATABASE_URL or SQLITE_PATH)")
		return Repos{}, nil
	}
	log.Info("Wiring repos...")
	svc, err := db.NewService(opts, log)
	if err != nil {
		return Repos{}, fmt.Errorf("init run index db: %w", err)
	}
	set := repos.New(svc.DB(), log)
	return Repos{
		DB:    svc,
		Runs:  set.Runs,
		Index: runs.NewIndex(set.Runs, log),
	}, nil
}

func (r *Repos) Close() {
	if r == nil || r.DB == nil {
		return
	}
	_ = r.DB.Close()
}
