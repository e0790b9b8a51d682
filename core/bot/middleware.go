package bot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/m3rciful/pushgrab/core/logger"
	"github.com/m3rciful/pushgrab/core/pushbullet"
)

// HandlerFunc handles one inbound push.
type HandlerFunc func(ctx context.Context, push pushbullet.Push) error

// Middleware wraps a HandlerFunc.
type Middleware struct {
	Name string
	Use  func(next HandlerFunc) HandlerFunc
}

// Chain applies mws so that the first one runs outermost. Each layer sees
// its own Name as the handler field of ctx.
func Chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i].Use == nil {
			continue
		}
		h = named(mws[i].Name, mws[i].Use(h))
	}
	return h
}

func named(name string, h HandlerFunc) HandlerFunc {
	if name == "" {
		return h
	}
	return func(ctx context.Context, push pushbullet.Push) error {
		return h(logger.WithHandler(ctx, name), push)
	}
}

// DefaultMiddlewares builds the inbound chain: recover, request logging,
// duplicate suppression.
func DefaultMiddlewares(dedupe *Deduper) []Middleware {
	mws := []Middleware{
		{Name: "recover", Use: RecoverMiddleware},
		{Name: "logger", Use: LoggerMiddleware},
	}
	if dedupe != nil {
		mws = append(mws, Middleware{Name: "dedupe", Use: dedupe.Middleware})
	}
	return mws
}

// RecoverMiddleware turns a panic in a handler into an error.
func RecoverMiddleware(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, push pushbullet.Push) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, component, "push.panic",
					slog.Any("err", r),
					slog.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("bot: panic handling push %s: %v", push.Iden, r)
			}
		}()
		return next(ctx, push)
	}
}

// LoggerMiddleware assigns a rid, attaches push metadata to ctx and logs a
// single receipt line per push.
func LoggerMiddleware(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, push pushbullet.Push) error {
		ctx = logger.WithRID(ctx, logger.BuildRID())
		ctx = logger.WithPushMeta(ctx, push.Iden, push.SourceDeviceIden)

		if logger.ShouldSampleDebug() {
			attrs := []slog.Attr{
				slog.String("status", "ok"),
				slog.String("kind", push.Type),
			}
			switch {
			case push.FileURL != "":
				attrs = append(attrs, slog.String("file", logger.SanitizeLimit(push.FileName, 128)))
			case push.URL != "":
				attrs = append(attrs, slog.String("url", logger.SanitizeLimit(push.URL, 256)))
			case push.Body != "":
				attrs = append(attrs, slog.String("payload", logger.SanitizeLimit(push.Body, 256)))
			}
			logger.Debug(ctx, component, "push.received", attrs...)
		}

		start := time.Now()
		err := next(ctx, push)
		logger.Debug(ctx, component, "push.handled",
			slog.String("status", logger.Status(err)),
			slog.Duration("duration", time.Since(start)),
		)
		return err
	}
}

// Deduper remembers recently handled push idens.
type Deduper struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	keepFor time.Duration
	now     func() time.Time
	// OnDuplicate, when set, is called for every suppressed push.
	OnDuplicate func()
}

// NewDeduper keeps idens for keepFor.
func NewDeduper(keepFor time.Duration) *Deduper {
	return &Deduper{seen: make(map[string]time.Time), keepFor: keepFor, now: time.Now}
}

// Seen records iden and reports whether it was already recorded.
func (d *Deduper) Seen(iden string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, ts := range d.seen {
		if now.Sub(ts) > d.keepFor {
			delete(d.seen, id)
		}
	}
	if _, ok := d.seen[iden]; ok {
		return true
	}
	d.seen[iden] = now
	return false
}

// Middleware drops pushes whose iden was handled within the window.
func (d *Deduper) Middleware(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, push pushbullet.Push) error {
		if push.Iden != "" && d.Seen(push.Iden) {
			logger.Debug(ctx, component, "push.duplicate", slog.String("status", "skip"))
			if d.OnDuplicate != nil {
				d.OnDuplicate()
			}
			return nil
		}
		return next(ctx, push)
	}
}
