package runs

import (
	"context"
	"encoding/json"
	"unicode/utf8"

	"gorm.io/datatypes"

	types "github.com/yungbote/interception-backend/internal/domain"
	"github.com/yungbote/interception-backend/internal/pipeline/recorder"
	"github.com/yungbote/interception-backend/internal/pkg/dbctx"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

const previewRunes = 120

// Index keeps pipeline_run rows in step with the orchestrator and janitor.
type Index struct {
	repo RunRecordRepo
	log  *logger.Logger
}

func NewIndex(repo RunRecordRepo, log *logger.Logger) *Index {
	if log == nil {
		log = logger.Nop()
	}
	return &Index{repo: repo, log: log.With("service", "RunIndex")}
}

func (x *Index) Repo() RunRecordRepo { return x.repo }

func (x *Index) List(ctx context.Context, f ListFilter) ([]*types.RunRecord, error) {
	return x.repo.List(dbctx.Context{Ctx: ctx}, f)
}

func (x *Index) Get(ctx context.Context, runID string) (*types.RunRecord, error) {
	return x.repo.Get(dbctx.Context{Ctx: ctx}, runID)
}

func (x *Index) RunStarted(ctx context.Context, m recorder.Manifest, inputText string) error {
	return x.repo.Upsert(dbctx.Context{Ctx: ctx}, &types.RunRecord{
		RunID:         m.RunID,
		ConfigName:    m.ConfigName,
		ExecutionMode: m.ExecutionMode,
		SafetyLevel:   m.SafetyLevel,
		UserID:        m.UserID,
		Status:        types.RunStatusRunning,
		Stage:         m.CurrentState.Stage,
		Step:          m.CurrentState.Step,
		InputPreview:  preview(inputText),
	})
}

func (x *Index) RunFinished(ctx context.Context, m recorder.Manifest, status, errorType, message string) error {
	outputs := datatypes.JSON([]byte("[]"))
	if len(m.Outputs) > 0 {
		raw, err := json.Marshal(m.Outputs)
		if err != nil {
			return err
		}
		outputs = datatypes.JSON(raw)
	}
	dbc := dbctx.Context{Ctx: ctx}
	if err := x.repo.UpdateFields(dbc, m.RunID, map[string]interface{}{
		"stage": m.CurrentState.Stage,
		"step":  m.CurrentState.Step,
	}); err != nil {
		return err
	}
	return x.repo.Finish(dbc, m.RunID, status, errorType, message, outputs)
}

// MarkAbandoned flips a still-running row; terminal rows are left alone.
func (x *Index) MarkAbandoned(ctx context.Context, runID string) (bool, error) {
	return x.repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, runID,
		[]string{types.RunStatusCompleted, types.RunStatusFailed, types.RunStatusBlocked, types.RunStatusAbandoned},
		map[string]interface{}{
			"status": types.RunStatusAbandoned,
			"step":   recorder.StepAbandoned,
		})
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	r := []rune(s)
	return string(r[:previewRunes]) + "…"
}
