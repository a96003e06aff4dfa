package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yungbote/interception-backend/internal/platform/logger"
)

// Janitor marks runs abandoned when their manifest is not terminal and has
// not been written for staleAfter. Active runs of this process are skipped.
type Janitor struct {
	reg         *Registry
	staleAfter  time.Duration
	onAbandoned func(runID string)
	log         *logger.Logger
	now         func() time.Time
	cron        *cron.Cron
}

func NewJanitor(reg *Registry, staleAfter time.Duration, onAbandoned func(runID string), log *logger.Logger) *Janitor {
	if log == nil {
		log = logger.Nop()
	}
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &Janitor{
		reg:         reg,
		staleAfter:  staleAfter,
		onAbandoned: onAbandoned,
		log:         log.With("service", "RunJanitor"),
		now:         time.Now,
	}
}

// Sweep inspects every run once and returns the ids it abandoned.
func (j *Janitor) Sweep() ([]string, error) {
	ids, err := j.reg.RunIDs()
	if err != nil {
		return nil, err
	}
	var abandoned []string
	cutoff := j.now().Add(-j.staleAfter)
	for _, id := range ids {
		if j.reg.IsActive(id) {
			continue
		}
		r, err := Load(j.reg.Base(), id, j.reg.sink, j.log)
		if err != nil {
			j.log.Warn("Skipping unreadable run", "run_id", id, "error", err)
			continue
		}
		st := r.Status()
		if st.Terminal() {
			continue
		}
		if last := lastWrite(r.Dir(), st.Manifest); last.After(cutoff) {
			continue
		}
		if err := r.MarkAbandoned(); err != nil {
			j.log.Warn("Could not mark run abandoned", "run_id", id, "error", err)
			continue
		}
		abandoned = append(abandoned, id)
		if j.onAbandoned != nil {
			j.onAbandoned(id)
		}
	}
	if len(abandoned) > 0 {
		j.log.Info("Abandoned stale runs", "count", len(abandoned))
	}
	return abandoned, nil
}

// Start schedules Sweep with a standard five-field cron spec or a
// descriptor such as "@every 10m".
func (j *Janitor) Start(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := j.Sweep(); err != nil {
			j.log.Warn("Janitor sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("janitor schedule %q: %w", schedule, err)
	}
	j.cron = c
	c.Start()
	j.log.Info("Janitor started", "schedule", schedule, "stale_after", j.staleAfter.String())
	return nil
}

// Stop waits for a running sweep or ctx, whichever ends first.
func (j *Janitor) Stop(ctx context.Context) {
	if j.cron == nil {
		return
	}
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func lastWrite(dir string, m Manifest) time.Time {
	for _, s := range []string{m.UpdatedAt, m.Timestamp} {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	if info, err := os.Stat(filepath.Join(dir, ManifestFile)); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}
