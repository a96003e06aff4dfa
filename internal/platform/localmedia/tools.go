package localmedia

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/interception-backend/internal/platform/ctxutil"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

// Tools wraps optional system binaries used to inspect stored media.
//
// OPTIONAL BINARIES in the runtime:
// - ffprobe for audio/video duration
//
// Missing binaries are not an error; the related fields simply stay empty.
type Tools interface {
	Available() bool
	Duration(ctx context.Context, path string) (time.Duration, error)
}

type tools struct {
	log            *logger.Logger
	ffprobePath    string
	defaultTimeout time.Duration
}

func New(log *logger.Logger) Tools {
	if log == nil {
		log = logger.Nop()
	}
	bin := strings.TrimSpace(os.Getenv("FFPROBE_PATH"))
	if bin == "" {
		bin = "ffprobe"
	}
	return &tools{
		log:            log.With("service", "MediaTools"),
		ffprobePath:    bin,
		defaultTimeout: 15 * time.Second,
	}
}

func (m *tools) Available() bool {
	_, err := exec.LookPath(m.ffprobePath)
	return err == nil
}

// Duration asks ffprobe for the container duration of path.
func (m *tools) Duration(ctx context.Context, path string) (time.Duration, error) {
	ctx = ctxutil.Default(ctx)
	if path == "" {
		return 0, fmt.Errorf("path required")
	}
	if !m.Available() {
		return 0, fmt.Errorf("missing binary %q in PATH", m.ffprobePath)
	}
	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Noop is used when probing is disabled.
type Noop struct{}

func (Noop) Available() bool { return false }

func (Noop) Duration(context.Context, string) (time.Duration, error) {
	return 0, fmt.Errorf("media probing disabled")
}
