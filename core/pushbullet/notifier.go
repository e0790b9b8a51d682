package pushbullet

import (
	"context"

	"github.com/m3rciful/pushgrab/core/session"
)

// NoteClient is the REST surface the reply channel uses.
type NoteClient interface {
	CreateNote(ctx context.Context, n Note) (Push, error)
	DeletePush(ctx context.Context, iden string) error
}

// Notifier sends replies from this device, prefixed so the poller never
// reads them back as requests.
type Notifier struct {
	client NoteClient
	device string
	prefix string
}

var _ session.Replier = (*Notifier)(nil)

// NewNotifier returns a reply channel for the given device.
func NewNotifier(client NoteClient, device, prefix string) *Notifier {
	return &Notifier{client: client, device: device, prefix: prefix}
}

// Reply sends text to peer and returns the created push iden.
func (n *Notifier) Reply(ctx context.Context, peer, text string) (string, error) {
	push, err := n.client.CreateNote(ctx, Note{
		Body:         n.prefix + text,
		SourceDevice: n.device,
		TargetDevice: peer,
	})
	if err != nil {
		return "", err
	}
	return push.Iden, nil
}

// Delete removes a push.
func (n *Notifier) Delete(ctx context.Context, id string) error {
	return n.client.DeletePush(ctx, id)
}
