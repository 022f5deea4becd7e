package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Span times one engine operation. Every log line written through the
// span's context carries its trace and span ids.
type Span struct {
	name   string
	logger *slog.Logger
	start  time.Time
	err    error
}

// StartSpan derives a child span from ctx. The first span on a context also
// opens a trace.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	s := scopeFrom(ctx)
	logger := FromContext(ctx)

	if s.traceID == "" {
		s.traceID = uuid.NewString()
		logger = logger.With(slog.String("trace_id", s.traceID))
	}

	parent := s.spanID
	s.spanID = uuid.NewString()
	logger = logger.With(slog.String("span_id", s.spanID), slog.String("span_name", name))
	if parent != "" {
		logger = logger.With(slog.String("parent_span_id", parent))
	}
	s.logger = logger

	return withScope(ctx, s), &Span{name: name, logger: logger, start: time.Now()}
}

// Fail records err as the span's outcome. Only the first failure is kept.
func (s *Span) Fail(err error) {
	if s == nil || err == nil || s.err != nil {
		return
	}
	s.err = err
}

// End emits the completion entry: debug on success, warn after Fail.
func (s *Span) End() {
	if s == nil {
		return
	}
	elapsed := slog.Duration("duration", time.Since(s.start))
	if s.err != nil {
		s.logger.Warn("span failed", elapsed, slog.Any("error", s.err))
		return
	}
	s.logger.Debug("span completed", elapsed)
}
