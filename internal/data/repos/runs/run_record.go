package runs

import (
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/interception-backend/internal/domain"
	"github.com/yungbote/interception-backend/internal/pkg/dbctx"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

type ListFilter struct {
	ConfigName string
	Status     string
	UserID     string
	Limit      int
	Offset     int
}

type RunRecordRepo interface {
	Upsert(dbc dbctx.Context, rec *types.RunRecord) error
	Get(dbc dbctx.Context, runID string) (*types.RunRecord, error)
	List(dbc dbctx.Context, f ListFilter) ([]*types.RunRecord, error)
	UpdateFields(dbc dbctx.Context, runID string, updates map[string]interface{}) error
	Finish(dbc dbctx.Context, runID, status, errorType, message string, outputs datatypes.JSON) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, runID string, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
}

type runRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRunRecordRepo(db *gorm.DB, baseLog *logger.Logger) RunRecordRepo {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &runRecordRepo{
		db:  db,
		log: baseLog.With("repo", "RunRecordRepo"),
	}
}

func (r *runRecordRepo) Upsert(dbc dbctx.Context, rec *types.RunRecord) error {
	if rec == nil || strings.TrimSpace(rec.RunID) == "" {
		return nil
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	rec.UpdatedAt = now
	if len(rec.Outputs) == 0 {
		rec.Outputs = datatypes.JSON([]byte("[]"))
	}
	return dbc.DB(r.db).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "run_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"config_name", "execution_mode", "safety_level", "user_id",
				"status", "stage", "step", "input_preview", "updated_at",
			}),
		}).
		Create(rec).Error
}

func (r *runRecordRepo) Get(dbc dbctx.Context, runID string) (*types.RunRecord, error) {
	var rec types.RunRecord
	err := dbc.DB(r.db).
		Where("run_id = ?", runID).
		Limit(1).
		Find(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.RunID == "" {
		return nil, nil
	}
	return &rec, nil
}

func (r *runRecordRepo) List(dbc dbctx.Context, f ListFilter) ([]*types.RunRecord, error) {
	q := dbc.DB(r.db).Model(&types.RunRecord{})
	if f.ConfigName != "" {
		q = q.Where("config_name = ?", f.ConfigName)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []*types.RunRecord
	if err := q.Order("started_at DESC").
		Order("run_id").
		Limit(limit).
		Offset(f.Offset).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *runRecordRepo) UpdateFields(dbc dbctx.Context, runID string, updates map[string]interface{}) error {
	if runID == "" || len(updates) == 0 {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return dbc.DB(r.db).
		Model(&types.RunRecord{}).
		Where("run_id = ?", runID).
		Updates(updates).Error
}

func (r *runRecordRepo) Finish(dbc dbctx.Context, runID, status, errorType, message string, outputs datatypes.JSON) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":      status,
		"error_type":  errorType,
		"error":       message,
		"finished_at": now,
		"updated_at":  now,
	}
	if len(outputs) > 0 {
		updates["outputs"] = outputs
	}
	return r.UpdateFields(dbc, runID, updates)
}

func (r *runRecordRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, runID string, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if runID == "" || len(updates) == 0 {
		return false, nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	q := dbc.DB(r.db).
		Model(&types.RunRecord{}).
		Where("run_id = ?", runID)
	if len(disallowedStatuses) > 0 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
