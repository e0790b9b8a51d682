// Package bot drives the session from the relay: it turns stream tickles
// into latest-push lookups and feeds the results through the handler chain.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/m3rciful/pushgrab/core/logger"
	"github.com/m3rciful/pushgrab/core/pushbullet"
	"github.com/m3rciful/pushgrab/core/session"
)

const component = "app"

// Stream raises onPush whenever the relay reports new pushes.
type Stream interface {
	Run(ctx context.Context, onPush func()) error
}

// Poller resolves a wake-up into at most one push.
type Poller interface {
	Latest(ctx context.Context) (pushbullet.Push, bool, error)
}

// Machine is the session loop.
type Machine interface {
	Run(ctx context.Context) error
	Submit(ctx context.Context, n session.Notification) error
}

// PollRecorder receives lookup outcomes.
type PollRecorder interface {
	Poll(outcome string)
}

// Options wires a Bot.
type Options struct {
	Stream      Stream
	Poller      Poller
	Machine     Machine
	Middlewares []Middleware
	// Recorder is optional.
	Recorder PollRecorder
	// Extra runs alongside the bot and shares its lifetime.
	Extra []func(ctx context.Context) error
	// OnStart runs once the loops are scheduled.
	OnStart func(ctx context.Context) error
}

// Bot owns the wake-up loop.
type Bot struct {
	opts    Options
	wake    chan struct{}
	handler HandlerFunc
}

// New validates opts.
func New(opts Options) (*Bot, error) {
	if opts.Stream == nil || opts.Poller == nil || opts.Machine == nil {
		return nil, errors.New("bot: stream, poller and machine are required")
	}
	b := &Bot{opts: opts, wake: make(chan struct{}, 1)}
	b.handler = Chain(b.submit, opts.Middlewares...)
	return b, nil
}

// Wake schedules a lookup. Wake-ups that arrive while one is pending
// collapse into it.
func (b *Bot) Wake() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run starts the session loop, the wake-up loop and the stream, and returns
// when ctx is done or any of them fails.
func (b *Bot) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return b.opts.Machine.Run(gctx) })
	g.Go(func() error { return b.wakeLoop(gctx) })
	g.Go(func() error {
		if err := b.opts.Stream.Run(gctx, b.Wake); err != nil {
			return err
		}
		if gctx.Err() == nil {
			return errors.New("bot: stream ended")
		}
		return nil
	})
	for _, fn := range b.opts.Extra {
		g.Go(func() error { return fn(gctx) })
	}

	if b.opts.OnStart != nil {
		if err := b.opts.OnStart(gctx); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}

	err := g.Wait()
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *Bot) wakeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.wake:
			b.poll(ctx)
		}
	}
}

func (b *Bot) poll(ctx context.Context) {
	push, ok, err := b.opts.Poller.Latest(ctx)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			logger.Warn(ctx, component, "poll.fail",
				slog.String("status", "fail"),
				slog.String("err", err.Error()),
			)
		}
		b.record("error")
		return
	case !ok:
		b.record("skipped")
		return
	}

	if err := b.handler(ctx, push); err != nil && ctx.Err() == nil {
		logger.Error(ctx, component, "push.fail",
			slog.String("push_id", push.Iden),
			slog.String("err", err.Error()),
		)
	}
}

func (b *Bot) submit(ctx context.Context, push pushbullet.Push) error {
	ctx = logger.WithHandler(ctx, "submit")
	b.record("dispatched")
	if err := b.opts.Machine.Submit(ctx, session.Classify(push.Raw())); err != nil {
		return fmt.Errorf("bot: submit: %w", err)
	}
	return nil
}

func (b *Bot) record(outcome string) {
	if b.opts.Recorder != nil {
		b.opts.Recorder.Poll(outcome)
	}
}
