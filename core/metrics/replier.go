package metrics

import (
	"context"

	"github.com/m3rciful/pushgrab/core/session"
)

// countingReplier counts reply channel calls by outcome.
type countingReplier struct {
	inner session.Replier
	rec   *Recorder
}

// Replier wraps inner so every call lands in replies_total.
func (r *Recorder) Replier(inner session.Replier) session.Replier {
	return countingReplier{inner: inner, rec: r}
}

func (c countingReplier) Reply(ctx context.Context, peer, text string) (string, error) {
	id, err := c.inner.Reply(ctx, peer, text)
	c.rec.repliesTotal.WithLabelValues("reply", outcome(err)).Inc()
	return id, err
}

func (c countingReplier) Delete(ctx context.Context, id string) error {
	err := c.inner.Delete(ctx, id)
	c.rec.repliesTotal.WithLabelValues("delete", outcome(err)).Inc()
	return err
}

func outcome(err error) string {
	if err != nil {
		return "fail"
	}
	return "ok"
}
