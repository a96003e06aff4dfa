package ctxutil

import "context"

type traceDataKey struct{}

// TraceData travels with every backend call of a run so engines and the
// media store can tag their logs without threading extra parameters.
type TraceData struct {
	RunID     string
	RequestID string
	Stage     int
	Step      string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(Default(ctx), traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if ctx == nil {
		return nil
	}
	if td, ok := ctx.Value(traceDataKey{}).(*TraceData); ok {
		return td
	}
	return nil
}

// WithStage returns a copy of the trace data annotated with the stage/step.
func WithStage(ctx context.Context, stage int, step string) context.Context {
	next := TraceData{Stage: stage, Step: step}
	if td := GetTraceData(ctx); td != nil {
		next.RunID = td.RunID
		next.RequestID = td.RequestID
	}
	return WithTraceData(ctx, &next)
}

// Default returns context.Background() when ctx is nil.
func Default(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// RunID is the run the context belongs to, or "".
func RunID(ctx context.Context) string {
	if td := GetTraceData(ctx); td != nil {
		return td.RunID
	}
	return ""
}
