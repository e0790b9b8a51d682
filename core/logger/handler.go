package logger

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

type logFormat string

const (
	formatJSON logFormat = "json"
	formatKV   logFormat = "kv"

	timeLayout = "2006-01-02T15:04:05.000Z07:00"
)

type handlerConfig struct {
	level    slog.Leveler
	writer   *asyncWriter
	format   logFormat
	keyOrder []string
}

// structuredHandler renders one line per record with a fixed key order:
// keys listed in keyOrder come first, everything else follows sorted.
type structuredHandler struct {
	cfg    handlerConfig
	rank   map[string]int
	preset []field
	prefix string
}

type field struct {
	key string
	val any
}

// record collects the fields of one line before they are ordered.
type record map[string]any

// contextFields are copied from ctx unless the call site set them explicitly.
var contextFields = []struct {
	key  string
	from func(context.Context) string
}{
	{"rid", RIDFrom},
	{"session_id", SessionIDFrom},
	{"push_id", PushIDFrom},
	{"device", DeviceFrom},
	{"handler", HandlerFrom},
}

func newStructuredHandler(cfg handlerConfig) *structuredHandler {
	if cfg.level == nil {
		cfg.level = slog.LevelInfo
	}
	if len(cfg.keyOrder) == 0 {
		cfg.keyOrder = defaultKeyOrder
	}
	rank := make(map[string]int, len(cfg.keyOrder))
	for i, k := range cfg.keyOrder {
		if _, dup := rank[k]; !dup {
			rank[k] = i
		}
	}
	return &structuredHandler{cfg: cfg, rank: rank}
}

// Enabled reports whether level passes the configured minimum.
func (h *structuredHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.cfg.level.Level()
}

// Handle renders r and hands the line to the async writer.
func (h *structuredHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.cfg.writer == nil {
		return errors.New("logger: writer not initialized")
	}

	rec := make(record, 16)
	ts := r.Time.UTC()
	rec["ts"] = ts.Truncate(time.Millisecond).Format(timeLayout)
	rec["level"] = normalizeLevel(r.Level.String())
	if h.cfg.format == formatJSON {
		rec["ts_unix_nano"] = ts.UnixNano()
	}
	for _, f := range h.preset {
		rec[f.key] = f.val
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.add(h.prefix, a)
		return true
	})
	for _, cf := range contextFields {
		rec.setDefault(cf.key, cf.from(ctx))
	}
	rec.finish(r.Message, h.cfg.format == formatJSON)

	line, err := h.encode(rec)
	if err != nil {
		return err
	}
	return h.cfg.writer.Write(line)
}

// WithAttrs resolves attrs under the current group once, at creation.
func (h *structuredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	tmp := make(record, len(attrs))
	for _, a := range attrs {
		tmp.add(h.prefix, a)
	}
	clone := *h
	clone.preset = slices.Clone(h.preset)
	for k, v := range tmp {
		clone.preset = append(clone.preset, field{key: k, val: v})
	}
	return &clone
}

// WithGroup prefixes keys of attrs added later with name.
func (h *structuredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = joinKey(h.prefix, name)
	return &clone
}

func (rec record) add(prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	key := joinKey(prefix, a.Key)
	if v.Kind() == slog.KindGroup {
		for _, child := range v.Group() {
			rec.add(key, child)
		}
		return
	}
	if key == "" {
		return
	}
	if k, val, ok := attrValue(key, v); ok {
		rec[k] = val
	}
}

func (rec record) setDefault(key, val string) {
	if val == "" {
		return
	}
	if _, ok := rec[key]; !ok {
		rec[key] = val
	}
}

func (rec record) str(key string) string {
	switch v := rec[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// finish fills event and component, compacts the rid and drops enum values
// and empty strings that would only add noise.
func (rec record) finish(msg string, keepFullRID bool) {
	if rid := rec.str("rid"); rid != "" {
		if short := CompactRID(rid); short != rid {
			rec["rid"] = short
			if keepFullRID {
				rec.setDefault("rid_full", rid)
			}
		}
	}
	if rec.str("event") == "" {
		rec["event"] = cmp.Or(msg, "unknown")
	}
	if rec.str("component") == "" {
		rec["component"] = "app"
	}
	if s := rec.str("status"); s != "" {
		rec["status"], _ = normalizeStatus(s)
	}
	if o := rec.str("outcome"); o != "" {
		if norm, ok := normalizeOutcome(o); ok {
			rec["outcome"] = norm
		} else {
			delete(rec, "outcome")
		}
	}
	for k, v := range rec {
		if v == nil || v == "" {
			delete(rec, k)
		}
	}
}

func joinKey(prefix, key string) string {
	switch {
	case prefix == "":
		return key
	case key == "":
		return prefix
	}
	return prefix + "." + key
}

// attrValue converts v to a JSON friendly value. Strings and errors are
// passed through Redact; durations are rendered as integer milliseconds
// under a *_ms key.
func attrValue(key string, v slog.Value) (string, any, bool) {
	switch v.Kind() {
	case slog.KindString:
		return key, strings.TrimSpace(Redact(v.String())), true
	case slog.KindBool:
		return key, v.Bool(), true
	case slog.KindInt64:
		return key, v.Int64(), true
	case slog.KindUint64:
		if u := v.Uint64(); u <= math.MaxInt64 {
			return key, int64(u), true
		}
		return key, v.Uint64(), true
	case slog.KindFloat64:
		return key, v.Float64(), true
	case slog.KindDuration:
		return durationKey(key), RoundMS(v.Duration()).Milliseconds(), true
	case slog.KindTime:
		return key, v.Time().UTC().Format(time.RFC3339Nano), true
	}

	switch x := v.Any().(type) {
	case nil:
		return "", nil, false
	case error:
		return key, Redact(x.Error()), true
	case time.Duration:
		return durationKey(key), RoundMS(x).Milliseconds(), true
	case fmt.Stringer:
		return key, strings.TrimSpace(Redact(x.String())), true
	case string:
		return key, strings.TrimSpace(Redact(x)), true
	default:
		return key, fmt.Sprint(x), true
	}
}

// durationKey renames duration attributes so every duration lands in *_ms.
func durationKey(key string) string {
	if strings.HasSuffix(key, "_ms") {
		return key
	}
	return key + "_ms"
}

func (h *structuredHandler) sortedKeys(rec record) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		ra, okA := h.rank[a]
		rb, okB := h.rank[b]
		switch {
		case okA && okB:
			return cmp.Compare(ra, rb)
		case okA:
			return -1
		case okB:
			return 1
		}
		return strings.Compare(a, b)
	})
	return keys
}

func (h *structuredHandler) encode(rec record) ([]byte, error) {
	var buf bytes.Buffer
	keys := h.sortedKeys(rec)
	if h.cfg.format == formatJSON {
		buf.WriteByte('{')
		for i, k := range keys {
			val, err := json.Marshal(rec[k])
			if err != nil {
				return nil, fmt.Errorf("logger: encode %s: %w", k, err)
			}
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(strconv.Quote(k))
			buf.WriteByte(':')
			buf.Write(val)
		}
		buf.WriteByte('}')
	} else {
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(' ')
			}
			buf.WriteString(k)
			buf.WriteByte('=')
			buf.WriteString(kvValue(rec[k]))
		}
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func kvValue(v any) string {
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	if strings.IndexFunc(s, needsQuote) >= 0 {
		return strconv.Quote(s)
	}
	return s
}

func needsQuote(r rune) bool {
	return r <= ' ' || r == '=' || r == '"'
}
