package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]any{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestContextCarriesLoggerAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithLogger(context.Background(), logger)
	ctx = WithRequestID(ctx, "req-1")
	ctx = With(ctx, "userId", "owner")

	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("expected request id req-1 got %q", got)
	}

	FromContext(ctx).Info("hello")
	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["userId"] != "owner" {
		t.Fatalf("expected enriched log line got %v", lines)
	}

	if FromContext(context.Background()) != slog.Default() {
		t.Fatalf("expected default logger for bare context")
	}
}

func TestSpansNestAndReportFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := WithLogger(context.Background(), logger)

	outerCtx, outer := StartSpan(ctx, "referral.redeem")
	_, inner := StartSpan(outerCtx, "store.redeem")
	inner.Fail(errors.New("token spent"))
	inner.Fail(errors.New("ignored"))
	inner.End()
	outer.End()

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected two span lines got %d", len(lines))
	}

	failed, completed := lines[0], lines[1]
	if failed["level"] != "WARN" || failed["error"] != "token spent" {
		t.Fatalf("unexpected failed span line %v", failed)
	}
	if completed["level"] != "DEBUG" || completed["span_name"] != "referral.redeem" {
		t.Fatalf("unexpected completed span line %v", completed)
	}
	if failed["trace_id"] != completed["trace_id"] {
		t.Fatalf("expected nested span to share the trace id")
	}
	if failed["parent_span_id"] != completed["span_id"] {
		t.Fatalf("expected inner span parent to be the outer span")
	}

	var nilSpan *Span
	nilSpan.Fail(errors.New("noop"))
	nilSpan.End()
}
