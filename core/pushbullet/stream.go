package pushbullet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/m3rciful/pushgrab/core/logger"
)

const (
	streamComponent = "relay.stream"
	streamReadLimit = 1 << 20
)

// streamIdleTimeout bounds each read. The relay sends a nop about every 30s.
const streamIdleTimeout = 90 * time.Second

// ErrStreamIdle means the relay sent nothing, not even a keepalive, within
// the idle timeout.
var ErrStreamIdle = errors.New("pushbullet: stream idle")

type streamMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
}

// Stream listens on the relay websocket and raises a wake-up for every
// push tickle.
type Stream struct {
	url  string
	idle time.Duration
}

// NewStream appends the access token to the stream base URL.
func NewStream(baseURL, token string) *Stream {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Stream{url: baseURL + token, idle: streamIdleTimeout}
}

// Run dials the stream and reads until ctx is done or the connection fails
// or goes idle. A clean shutdown through ctx returns nil.
func (s *Stream) Run(ctx context.Context, onPush func()) error {
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("pushbullet: stream dial: %s", logger.Redact(err.Error()))
	}
	defer conn.CloseNow()
	conn.SetReadLimit(streamReadLimit)
	logger.Info(ctx, streamComponent, "stream.connected", slog.String("status", "ok"))

	for {
		var msg streamMessage
		readCtx, cancel := context.WithTimeout(ctx, s.idle)
		err := wsjson.Read(readCtx, conn, &msg)
		timedOut := readCtx.Err() != nil
		cancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case timedOut:
				logger.Warn(ctx, streamComponent, "stream.idle",
					slog.String("status", "fail"),
					slog.Duration("idle", s.idle),
				)
				return fmt.Errorf("%w for %s", ErrStreamIdle, s.idle)
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
				return errors.New("pushbullet: stream closed by relay")
			}
			return fmt.Errorf("pushbullet: stream read: %s", logger.Redact(err.Error()))
		}

		switch {
		case msg.Type == "nop":
			// keepalive
		case msg.Type == "tickle" && msg.Subtype == "push":
			logger.Debug(ctx, streamComponent, "stream.tickle", slog.String("kind", msg.Subtype))
			onPush()
		default:
			logger.Debug(ctx, streamComponent, "stream.ignore",
				slog.String("kind", msg.Type),
				slog.String("payload", msg.Subtype),
			)
		}
	}
}
