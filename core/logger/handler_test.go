package logger

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	coreconfig "github.com/m3rciful/pushgrab/core/config"
)

func newTestHandler(buf *bytes.Buffer, format logFormat) (*structuredHandler, *asyncWriter) {
	aw := newAsyncWriter([]io.Writer{buf}, 1024)
	return newStructuredHandler(handlerConfig{
		level:    slog.LevelInfo,
		writer:   aw,
		format:   format,
		keyOrder: append([]string(nil), defaultKeyOrder...),
	}), aw
}

func logLine(ctx context.Context, l *slog.Logger, level slog.Level, event string, attrs ...slog.Attr) {
	l.LogAttrs(ctx, level, event, attrs...)
}

func closeWriter(t *testing.T, aw *asyncWriter) {
	t.Helper()
	if err := aw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := aw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestStructuredHandlerKVOrder(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatKV)
	ctx := WithRID(context.Background(), "rid-123")
	ctx = WithPushMeta(ctx, "ujpah72o0", "ujpah72o0sjAoRsdkuh")

	log := slog.New(handler).With("component", "app")
	logLine(ctx, log, slog.LevelInfo, "test.event",
		slog.String("status", "ok"),
		slog.String("cause", "unit"),
	)
	closeWriter(t, aw)

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log line")
	}
	tokens := strings.Split(line, " ")
	expected := []string{"ts=", "level=INFO", "component=app", "event=test.event", "status=ok", "rid=rid-123", "push_id=ujpah72o0", "device=ujpah72o0sjAoRsdkuh"}
	if len(tokens) < len(expected) {
		t.Fatalf("unexpected token count: %d (%s)", len(tokens), line)
	}
	for i, prefix := range expected {
		if !strings.HasPrefix(tokens[i], prefix) {
			t.Fatalf("token %d = %s, expected prefix %s", i, tokens[i], prefix)
		}
	}
}

func TestStructuredHandlerJSONOrder(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatJSON)
	ctx := WithRID(context.Background(), "rid-json")
	ctx = WithSessionID(ctx, "sess-1")

	log := slog.New(handler).With("component", "fsm")
	logLine(ctx, log, slog.LevelError, "download.failed",
		slog.String("status", "fail"),
		slog.String("err", "boom"),
	)
	closeWriter(t, aw)

	line := strings.TrimSpace(buf.String())
	if !strings.HasPrefix(line, "{") {
		t.Fatalf("expected JSON, got %s", line)
	}
	prefixes := []string{`{"ts":`, `"level":"ERROR"`, `"component":"fsm"`, `"event":"download.failed"`, `"status":"fail"`, `"rid":"rid-json"`, `"session_id":"sess-1"`}
	pos := -1
	for _, pref := range prefixes {
		idx := strings.Index(line, pref)
		if idx == -1 || idx < pos {
			t.Fatalf("prefix %s not found in order within %s", pref, line)
		}
		pos = idx
	}
}

func TestStructuredHandlerCompactRID(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatKV)
	rawRID := "7d444840-9dc0-11d1-b245-5ffdce74fad2"
	ctx := WithRID(context.Background(), rawRID)
	logLine(ctx, slog.New(handler), slog.LevelInfo, "rid.test", slog.String("status", "ok"))
	closeWriter(t, aw)

	line := strings.TrimSpace(buf.String())
	if !slices.Contains(strings.Fields(line), "rid=7d444840") {
		t.Fatalf("expected compact rid, got %s", line)
	}
	if strings.Contains(line, "rid_full=") {
		t.Fatalf("rid_full should be omitted in KV output, got %s", line)
	}
	if !strings.Contains(line, "component=app") {
		t.Fatalf("expected default component, got %s", line)
	}
}

func TestStructuredHandlerCompactRIDJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatJSON)
	rawRID := BuildRID()
	ctx := WithRID(context.Background(), rawRID)
	logLine(ctx, slog.New(handler), slog.LevelInfo, "rid.test", slog.String("status", "ok"))
	closeWriter(t, aw)

	line := strings.TrimSpace(buf.String())
	if !strings.Contains(line, `"rid":"`+CompactRID(rawRID)+`"`) {
		t.Fatalf("expected compact rid in JSON, got %s", line)
	}
	if !strings.Contains(line, `"rid_full":"`+rawRID+`"`) {
		t.Fatalf("expected rid_full in JSON output, got %s", line)
	}
	if !strings.Contains(line, `"ts_unix_nano"`) {
		t.Fatalf("expected ts_unix_nano to be present in JSON output, got %s", line)
	}
}

func TestStructuredHandlerDurationAndRedaction(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatKV)
	log := slog.New(handler)
	logLine(context.Background(), log, slog.LevelInfo, "download.done",
		slog.Duration("duration", 1500*time.Millisecond),
		slog.Duration("fetch_duration", 20*time.Millisecond),
		slog.Any("err", errors.New("dial wss://stream.pushbullet.com/websocket/o.abcdefghijklmnopqrstuvwxyz012345: refused")),
	)
	closeWriter(t, aw)

	line := buf.String()
	for _, want := range []string{"duration_ms=1500", "fetch_duration_ms=20", "<redacted>"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %s", want, line)
		}
	}
	if strings.Contains(line, "o.abcdefghijklmnopqrstuvwxyz012345") {
		t.Fatalf("token leaked: %s", line)
	}
}

func TestStructuredHandlerLevelFilter(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatKV)
	logLine(context.Background(), slog.New(handler), slog.LevelDebug, "noisy")
	closeWriter(t, aw)
	if buf.Len() != 0 {
		t.Fatalf("debug line should be filtered, got %s", buf.String())
	}
}

func TestRatioSampler(t *testing.T) {
	s := newRatioSampler(1, 3)
	got := []bool{s.Allow(), s.Allow(), s.Allow(), s.Allow()}
	want := []bool{true, false, false, true}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("allow #%d = %v, want %v", i, got[i], want[i])
		}
	}
	s.Set(0, 0)
	if !s.Allow() {
		t.Fatal("disabled sampler must allow everything")
	}
}

func TestParseRatioSpec(t *testing.T) {
	cases := map[string][2]int{
		"1/10": {1, 10},
		"25":   {1, 25},
		"0":    {0, 0},
		"x/y":  {0, 0},
		"":     {0, 0},
	}
	for in, want := range cases {
		n, d := parseRatioSpec(in)
		if n != want[0] || d != want[1] {
			t.Fatalf("parseRatioSpec(%q) = %d/%d, want %d/%d", in, n, d, want[0], want[1])
		}
	}
}

func TestStructuredHandlerContextHandler(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatKV)
	ctx := WithHandler(context.Background(), "dedupe")
	logLine(ctx, slog.New(handler), slog.LevelInfo, "push.duplicate", slog.String("status", "skip"))
	logLine(ctx, slog.New(handler), slog.LevelInfo, "push.override", slog.String("handler", "awaiting_name"))
	closeWriter(t, aw)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	if !slices.Contains(strings.Fields(lines[0]), "handler=dedupe") {
		t.Fatalf("expected handler from ctx, got %s", lines[0])
	}
	if !slices.Contains(strings.Fields(lines[1]), "handler=awaiting_name") {
		t.Fatalf("explicit handler attr must win over ctx, got %s", lines[1])
	}
}

func TestStructuredHandlerGroups(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatJSON)
	l := slog.New(handler).With("component", "relay").WithGroup("http").With("endpoint", "/pushes")
	logLine(context.Background(), l, slog.LevelInfo, "call", slog.Int("code", 200))
	closeWriter(t, aw)

	line := buf.String()
	for _, want := range []string{`"component":"relay"`, `"http.endpoint":"/pushes"`, `"http.code":200`} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %s in %s", want, line)
		}
	}
}

func TestStructuredHandlerDropsUnknownOutcome(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatKV)
	logLine(context.Background(), slog.New(handler), slog.LevelInfo, "x",
		slog.String("outcome", "maybe"),
		slog.String("status", "OK"),
		slog.String("empty", ""),
	)
	closeWriter(t, aw)

	fields := strings.Fields(buf.String())
	if !slices.Contains(fields, "status=ok") {
		t.Fatalf("status not normalized: %v", fields)
	}
	for _, f := range fields {
		if strings.HasPrefix(f, "outcome=") || strings.HasPrefix(f, "empty=") {
			t.Fatalf("unexpected field %s", f)
		}
	}
}

func TestResolveSettings(t *testing.T) {
	cfg := &coreconfig.Config{Logging: coreconfig.LoggingConfig{
		Level:       "WARNING",
		Format:      "text",
		KeysOrder:   "event, ,level",
		DebugSample: "0",
		File:        " /tmp/pushgrab.log ",
	}}
	s := resolve(cfg)
	if s.level != slog.LevelWarn || s.format != formatKV {
		t.Fatalf("level/format = %v/%v", s.level, s.format)
	}
	if !slices.Equal(s.keyOrder, []string{"event", "level"}) {
		t.Fatalf("key order = %v", s.keyOrder)
	}
	if s.sampleNum != 0 || s.sampleDen != 0 {
		t.Fatalf("sample = %d/%d, want disabled", s.sampleNum, s.sampleDen)
	}
	if s.file != "/tmp/pushgrab.log" {
		t.Fatalf("file = %q", s.file)
	}

	def := resolve(nil)
	if def.level != slog.LevelInfo || def.format != formatJSON || def.sampleDen != defaultSampleDen {
		t.Fatalf("unexpected defaults %+v", def)
	}
	if parseLevel("nonsense") != slog.LevelInfo || parseLevel("debug") != slog.LevelDebug {
		t.Fatal("parseLevel mismatch")
	}
}
