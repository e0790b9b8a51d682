package pushbullet

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/m3rciful/pushgrab/core/logger"
)

// PushLister is the REST call the poller needs.
type PushLister interface {
	ListPushes(ctx context.Context, modifiedAfter float64, limit int) ([]Push, error)
}

// Poller fetches the newest push addressed to this device. The window
// start advances to the time of each successful call.
type Poller struct {
	src    PushLister
	device string
	prefix string

	mu        sync.Mutex
	lastCheck float64
	now       func() time.Time
}

// NewPoller starts the window at now minus lookback.
func NewPoller(src PushLister, device, prefix string, lookback time.Duration) *Poller {
	p := &Poller{src: src, device: device, prefix: prefix, now: time.Now}
	p.lastCheck = unixSeconds(p.now().Add(-lookback))
	return p
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Latest returns the newest push since the previous call when it targets
// this device and is not one of the bot's own replies.
func (p *Poller) Latest(ctx context.Context) (Push, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	checkedAt := unixSeconds(p.now())
	pushes, err := p.src.ListPushes(ctx, p.lastCheck, 1)
	if err != nil {
		return Push{}, false, err
	}
	p.lastCheck = checkedAt

	for _, push := range pushes {
		if !p.accept(push) {
			logger.Debug(ctx, component, "push.skip",
				slog.String("push_id", push.Iden),
				slog.String("target", push.TargetDeviceIden),
			)
			continue
		}
		return push, true, nil
	}
	return Push{}, false, nil
}

func (p *Poller) accept(push Push) bool {
	if push.TargetDeviceIden != p.device {
		return false
	}
	if p.prefix != "" && strings.HasPrefix(push.Body, p.prefix) {
		return false
	}
	return true
}
