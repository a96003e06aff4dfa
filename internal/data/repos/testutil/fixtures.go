package testutil

import (
	"context"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/interception-backend/internal/domain"
)

func SeedRun(tb testing.TB, ctx context.Context, tx *gorm.DB, runID, configName, status string, startedAt time.Time) *types.RunRecord {
	tb.Helper()
	rec := &types.RunRecord{
		RunID:         runID,
		ConfigName:    configName,
		ExecutionMode: "eco",
		SafetyLevel:   "kids",
		Status:        status,
		Outputs:       datatypes.JSON([]byte("[]")),
		StartedAt:     startedAt,
		CreatedAt:     startedAt,
		UpdatedAt:     startedAt,
	}
	if err := tx.WithContext(ctx).Create(rec).Error; err != nil {
		tb.Fatalf("seed run: %v", err)
	}
	return rec
}
