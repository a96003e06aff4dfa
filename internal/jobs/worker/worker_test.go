package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/yungbote/interception-backend/internal/pipeline/stages"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	release chan struct{}
	panicOn string
}

func (f *fakeRunner) Execute(_ context.Context, req stages.RunRequest) (*stages.RunResult, error) {
	if f.release != nil {
		<-f.release
	}
	if req.ConfigName == f.panicOn {
		panic("boom")
	}
	f.mu.Lock()
	f.ran = append(f.ran, req.RunID)
	f.mu.Unlock()
	return &stages.RunResult{RunID: req.RunID, Status: stages.StatusCompleted}, nil
}

func TestPoolRunsSubmitted(t *testing.T) {
	r := &fakeRunner{}
	var mu sync.Mutex
	done := map[string]string{}
	p := NewPool(r, Options{Concurrency: 2, QueueSize: 8, OnDone: func(req stages.RunRequest, res *stages.RunResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			done[req.RunID] = res.Status
		}
	}}, nil, nil)
	p.Start(context.Background())

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := p.Submit(stages.RunRequest{ConfigName: "dada"})
		require.NoError(t, err)
		require.NotEmpty(t, id)
		ids = append(ids, id)
	}
	require.NoError(t, p.Stop(context.Background()))

	assert.Len(t, r.ran, 5)
	for _, id := range ids {
		assert.Equal(t, stages.StatusCompleted, done[id])
	}
	assert.Equal(t, 0, p.Depth())
}

func TestSubmitKeepsCallerRunID(t *testing.T) {
	p := NewPool(&fakeRunner{}, Options{}, nil, nil)
	p.Start(context.Background())
	id, err := p.Submit(stages.RunRequest{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", id)
	require.NoError(t, p.Stop(context.Background()))
}

func TestQueueFull(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{})}
	p := NewPool(r, Options{Concurrency: 1, QueueSize: 1}, nil, nil)

	// Not started: the single slot fills and the next submit is refused.
	_, err := p.Submit(stages.RunRequest{})
	require.NoError(t, err)
	_, err = p.Submit(stages.RunRequest{})
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, 1, p.Depth())

	p.Start(context.Background())
	close(r.release)
	require.NoError(t, p.Stop(context.Background()))
}

func TestSubmitAfterStop(t *testing.T) {
	p := NewPool(&fakeRunner{}, Options{}, nil, nil)
	p.Start(context.Background())
	require.NoError(t, p.Stop(context.Background()))
	_, err := p.Submit(stages.RunRequest{})
	assert.ErrorIs(t, err, ErrStopped)
	require.NoError(t, p.Stop(context.Background()))
}

func TestPanicIsReported(t *testing.T) {
	var got error
	p := NewPool(&fakeRunner{panicOn: "bad"}, Options{OnDone: func(_ stages.RunRequest, _ *stages.RunResult, err error) {
		got = err
	}}, nil, nil)
	p.Start(context.Background())
	_, err := p.Submit(stages.RunRequest{ConfigName: "bad"})
	require.NoError(t, err)
	require.NoError(t, p.Stop(context.Background()))
	require.Error(t, got)
	assert.Contains(t, got.Error(), "boom")
}

type emptyRunner struct{}

func (emptyRunner) Execute(context.Context, stages.RunRequest) (*stages.RunResult, error) {
	return nil, nil
}

func TestNilResultDoesNotCrashWorker(t *testing.T) {
	var calls int
	p := NewPool(emptyRunner{}, Options{OnDone: func(_ stages.RunRequest, res *stages.RunResult, err error) {
		calls++
		assert.Nil(t, res)
		assert.NoError(t, err)
	}}, nil, nil)
	p.Start(context.Background())
	_, err := p.Submit(stages.RunRequest{ConfigName: "dada"})
	require.NoError(t, err)
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestStopTimesOut(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{})}
	p := NewPool(r, Options{Concurrency: 1, QueueSize: 1}, nil, nil)
	p.Start(context.Background())
	_, err := p.Submit(stages.RunRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = p.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(r.release)
	// Let the blocked worker finish so no goroutine outlives the test.
	require.NoError(t, p.g.Wait())
}
