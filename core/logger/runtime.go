package logger

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// contextKey is a private type to avoid collisions in context.
type contextKey string

const (
	ctxRID       contextKey = "rid"
	ctxSessionID contextKey = "session_id"
	ctxPushID    contextKey = "push_id"
	ctxDevice    contextKey = "device"
	ctxHandler   contextKey = "handler"
)

// tokenRe matches Pushbullet access tokens ("o." followed by the secret) and
// the stream URL form in which the token is the last path segment.
var tokenRe = regexp.MustCompile(`o\.[A-Za-z0-9]{16,}|websocket/[A-Za-z0-9.]{16,}`)

func withString(ctx context.Context, key contextKey, val string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if val == "" {
		return ctx
	}
	return context.WithValue(ctx, key, val)
}

func stringFrom(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// WithRID attaches request correlation id into context.
func WithRID(ctx context.Context, rid string) context.Context {
	return withString(ctx, ctxRID, rid)
}

// RIDFrom extracts rid from context if present.
func RIDFrom(ctx context.Context) string {
	return stringFrom(ctx, ctxRID)
}

// WithSessionID tags logs with the conversation cycle they belong to.
func WithSessionID(ctx context.Context, id string) context.Context {
	return withString(ctx, ctxSessionID, id)
}

// SessionIDFrom returns the session id from context if present.
func SessionIDFrom(ctx context.Context) string {
	return stringFrom(ctx, ctxSessionID)
}

// WithPushMeta attaches the inbound push identifier and its source device.
func WithPushMeta(ctx context.Context, pushID, device string) context.Context {
	ctx = withString(ctx, ctxPushID, pushID)
	return withString(ctx, ctxDevice, device)
}

// PushIDFrom extracts the push identifier from context.
func PushIDFrom(ctx context.Context) string {
	return stringFrom(ctx, ctxPushID)
}

// DeviceFrom extracts the peer device identifier from context.
func DeviceFrom(ctx context.Context) string {
	return stringFrom(ctx, ctxDevice)
}

// WithHandler names the middleware layer or session state handling the push.
func WithHandler(ctx context.Context, handler string) context.Context {
	return withString(ctx, ctxHandler, handler)
}

// HandlerFrom returns handler identifier from context if present.
func HandlerFrom(ctx context.Context) string {
	return stringFrom(ctx, ctxHandler)
}

// Sanitize trims non-printable runes from s to keep logs clean.
// It removes control characters (Unicode categories Cc, Cf) except for tab and newline.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	b := strings.Builder{}
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) || r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SanitizeLimit applies Sanitize and limits the output length in runes.
func SanitizeLimit(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(Sanitize(s))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max])
}

// Redact masks relay access tokens embedded in s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	return tokenRe.ReplaceAllString(s, "<redacted>")
}

// BuildRID returns a fresh correlation identifier for one inbound push.
func BuildRID() string {
	return uuid.NewString()
}

// CompactRID shortens a UUID rid to its first group for readability.
// When the input is not a UUID it is returned unchanged.
func CompactRID(rid string) string {
	rid = strings.TrimSpace(rid)
	if rid == "" {
		return ""
	}
	id, err := uuid.Parse(rid)
	if err != nil {
		return rid
	}
	return strings.SplitN(id.String(), "-", 2)[0]
}
