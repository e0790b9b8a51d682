package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/m3rciful/pushgrab/core/logger"
)

const component = "fsm"

// Reply texts. The relay adapter adds its own marker prefix.
const (
	MsgNoURL       = "Currently waiting for a URL to download, no URL given."
	MsgBusy        = "An action is currently in progress. Please wait."
	MsgInvalidName = "Seems like an invalid file name. Try something else or type CANCEL."
	msgConflict    = "Error: File %s already exists. Try another name or type CANCEL."
	msgDownloaded  = "Downloaded file '%s'%s. Please send new file name (without extension) or type CANCEL:"
	msgFailed      = "Failed to download URL: '%s'. Try again."
	msgStoreFailed = "Failed to store file as %s. Try another name or type CANCEL."
	msgDoneURL     = "File downloaded. Available at: %s"
	msgDonePath    = "File downloaded: %s"
)

const defaultEventBuf = 32

// Source tells which fetch path produced an artifact.
type Source string

const (
	// SourceURL runs the external downloader.
	SourceURL Source = "url"
	// SourceFile streams a relay attachment.
	SourceFile Source = "file"
)

// Downloader performs blocking fetches into the scratch directory.
type Downloader interface {
	FetchURL(ctx context.Context, target string) (Artifact, error)
	FetchFile(ctx context.Context, target, name string) (Artifact, error)
}

// Storage moves files between the scratch and archive directories.
type Storage interface {
	ArchivePath(name string) string
	ArchiveExists(name string) (bool, error)
	Promote(ctx context.Context, scratch, final string) (string, error)
	Discard(ctx context.Context, scratch string) error
}

// Replier talks back to the relay.
type Replier interface {
	Reply(ctx context.Context, peer, text string) (string, error)
	Delete(ctx context.Context, id string) error
}

// Queue runs outbound calls asynchronously.
type Queue interface {
	Enqueue(ctx context.Context, action, endpoint string, run func() error) error
}

// Recorder receives instrumentation callbacks.
type Recorder interface {
	Notification(kind string, state string)
	Transition(from, to string)
	Download(source string, ok bool, took time.Duration)
}

// Options wires a Machine.
type Options struct {
	Downloader Downloader
	Storage    Storage
	Replier    Replier
	// Queue is optional; without it replies and deletions run inline.
	Queue Queue
	// Recorder is optional.
	Recorder Recorder
	// DeleteAfterCompletion tracks the pushes of a session and removes them
	// from the relay once the file is archived.
	DeleteAfterCompletion bool
	// BaseURL, when set, is used to build the public link in the success reply.
	BaseURL string
}

// Machine drives one Session. All state changes happen inside Run.
type Machine struct {
	opts   Options
	sess   Session
	events chan event
}

// New validates the options and returns a Machine in StateAwaitingURL.
func New(opts Options) (*Machine, error) {
	if opts.Downloader == nil {
		return nil, errors.New("session: downloader is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("session: storage is required")
	}
	if opts.Replier == nil {
		return nil, errors.New("session: replier is required")
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Machine{
		opts:   opts,
		sess:   Session{ID: uuid.NewString(), State: StateAwaitingURL},
		events: make(chan event, defaultEventBuf),
	}, nil
}

type event interface {
	apply(ctx context.Context, m *Machine)
}

type inboundEvent struct {
	rid string
	n   Notification
}

type downloadEvent struct {
	gen    uint64
	source Source
	art    Artifact
	err    error
	took   time.Duration
}

type trackEvent struct {
	gen uint64
	id  string
}

type snapshotEvent struct {
	out chan Session
}

func (e inboundEvent) apply(ctx context.Context, m *Machine) {
	ctx = logger.WithRID(ctx, e.rid)
	ctx = logger.WithPushMeta(ctx, e.n.ID, e.n.Peer)
	ctx = logger.WithHandler(ctx, string(m.sess.State))
	m.onNotification(ctx, e.n)
}

func (e downloadEvent) apply(ctx context.Context, m *Machine) { m.onDownload(ctx, e) }

func (e trackEvent) apply(_ context.Context, m *Machine) { m.trackDeletion(e.gen, e.id) }

func (e snapshotEvent) apply(_ context.Context, m *Machine) { e.out <- m.sess.clone() }

// Run applies events until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	logger.Info(ctx, component, "fsm.start",
		slog.String("state", string(m.sess.State)),
		slog.Bool("delete_pushes", m.opts.DeleteAfterCompletion),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-m.events:
			m.dispatch(ctx, e)
		}
	}
}

func (m *Machine) dispatch(ctx context.Context, e event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, component, "fsm.panic",
				slog.Any("err", r),
				slog.String("state", string(m.sess.State)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	e.apply(logger.WithSessionID(ctx, m.sess.ID), m)
}

// Submit queues an inbound push. The rid stored in ctx follows the push into logs.
func (m *Machine) Submit(ctx context.Context, n Notification) error {
	return m.post(ctx, inboundEvent{rid: logger.RIDFrom(ctx), n: n})
}

// Snapshot returns a copy of the session as seen by the event loop.
func (m *Machine) Snapshot(ctx context.Context) (Session, error) {
	out := make(chan Session, 1)
	if err := m.post(ctx, snapshotEvent{out: out}); err != nil {
		return Session{}, err
	}
	select {
	case s := <-out:
		return s, nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

func (m *Machine) post(ctx context.Context, e event) error {
	select {
	case m.events <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) onNotification(ctx context.Context, n Notification) {
	m.sess.Peer = n.Peer
	m.opts.Recorder.Notification(n.Kind.String(), string(m.sess.State))
	logger.Debug(ctx, component, "push.apply",
		slog.String("state", string(m.sess.State)),
		slog.String("kind", n.Kind.String()),
	)

	switch m.sess.State {
	case StateAwaitingURL:
		m.awaitURL(ctx, n)
	case StateInProgress:
		logger.Warn(ctx, component, "push.busy", slog.String("status", "rejected"))
		m.reply(ctx, MsgBusy, true)
	case StateAwaitingName:
		m.awaitName(ctx, n)
	}
}

func (m *Machine) awaitURL(ctx context.Context, n Notification) {
	switch n.Kind {
	case KindAttachment:
		m.startDownload(ctx, n, SourceFile, n.FileURL, n.FileName)
	case KindURL:
		m.startDownload(ctx, n, SourceURL, n.URL, "")
	default:
		logger.Warn(ctx, component, "push.no_url",
			slog.String("status", "rejected"),
			slog.String("kind", n.Kind.String()),
		)
		m.reply(ctx, MsgNoURL, false)
	}
}

func (m *Machine) startDownload(ctx context.Context, n Notification, source Source, target, name string) {
	m.sess.PendingTarget = target
	m.transition(ctx, StateInProgress)
	m.queueDeletion(n.ID)

	logger.Info(ctx, component, "download.start",
		slog.String("kind", string(source)),
		slog.String("target", target),
		slog.String("file", name),
	)

	gen := m.sess.generation
	fetch := m.opts.Downloader
	go func() {
		start := time.Now()
		var (
			art Artifact
			err error
		)
		if source == SourceFile {
			art, err = fetch.FetchFile(ctx, target, name)
		} else {
			art, err = fetch.FetchURL(ctx, target)
		}
		_ = m.post(ctx, downloadEvent{gen: gen, source: source, art: art, err: err, took: time.Since(start)})
	}()
}

func (m *Machine) onDownload(ctx context.Context, e downloadEvent) {
	if e.gen != m.sess.generation || m.sess.State != StateInProgress {
		logger.Warn(ctx, component, "download.stale",
			slog.String("state", string(m.sess.State)),
		)
		return
	}
	m.opts.Recorder.Download(string(e.source), e.err == nil, e.took)

	if e.err != nil {
		logger.Error(ctx, component, "download.fail",
			slog.String("status", "fail"),
			slog.String("kind", string(e.source)),
			slog.String("target", m.sess.PendingTarget),
			slog.Duration("duration", e.took),
			slog.String("err", e.err.Error()),
		)
		m.reply(ctx, fmt.Sprintf(msgFailed, m.sess.PendingTarget), false)
		m.reset(ctx)
		return
	}

	m.sess.Artifact = e.art
	m.transition(ctx, StateAwaitingName)
	logger.Info(ctx, component, "download.done",
		slog.String("status", "ok"),
		slog.String("kind", string(e.source)),
		slog.String("file", e.art.FileName()),
		slog.Duration("duration", e.took),
	)
	m.reply(ctx, downloadedText(e.art), true)
}

func downloadedText(art Artifact) string {
	ext := ""
	if art.Ext != "" {
		ext = " (" + art.Ext + ")"
	}
	return fmt.Sprintf(msgDownloaded, art.Base, ext)
}

func (m *Machine) awaitName(ctx context.Context, n Notification) {
	name, err := ValidateName(n.Body)
	if err != nil {
		logger.Warn(ctx, component, "name.invalid",
			slog.String("status", "rejected"),
			slog.String("payload", logger.SanitizeLimit(n.Body, 128)),
		)
		m.reply(ctx, MsgInvalidName, false)
		return
	}

	scratch := m.sess.Artifact.FileName()
	if IsCancel(name) {
		if err := m.opts.Storage.Discard(ctx, scratch); err != nil {
			logger.Warn(ctx, component, "cancel.discard",
				slog.String("status", "fail"),
				slog.String("file", scratch),
				slog.String("err", err.Error()),
			)
		}
		logger.Info(ctx, component, "session.cancel",
			slog.String("status", "cancelled"),
			slog.Int("pending_deletions", len(m.sess.PendingDeletions)),
		)
		m.reset(ctx)
		return
	}

	// The attempt is tracked before the conflict check so a completed session
	// removes every push of the exchange, rejected names included.
	m.queueDeletion(n.ID)

	final := m.sess.Artifact.Rename(name)
	exists, err := m.opts.Storage.ArchiveExists(final)
	if err != nil {
		logger.Error(ctx, component, "name.check", slog.String("file", final), slog.String("err", err.Error()))
		m.reply(ctx, fmt.Sprintf(msgStoreFailed, final), false)
		return
	}
	if exists {
		path := m.opts.Storage.ArchivePath(final)
		logger.Warn(ctx, component, "name.conflict",
			slog.String("status", "conflict"),
			slog.String("path", path),
		)
		m.reply(ctx, fmt.Sprintf(msgConflict, path), true)
		return
	}

	path, err := m.opts.Storage.Promote(ctx, scratch, final)
	if err != nil {
		logger.Error(ctx, component, "name.promote",
			slog.String("status", "fail"),
			slog.String("file", final),
			slog.String("err", err.Error()),
		)
		m.reply(ctx, fmt.Sprintf(msgStoreFailed, final), false)
		return
	}

	m.reply(ctx, m.doneMessage(final, path), false)
	logger.Info(ctx, component, "session.done",
		slog.String("status", "ok"),
		slog.String("path", path),
		slog.Int("pending_deletions", len(m.sess.PendingDeletions)),
	)
	m.flushDeletions(ctx)
	m.reset(ctx)
}

func (m *Machine) doneMessage(final, path string) string {
	if m.opts.BaseURL != "" {
		return fmt.Sprintf(msgDoneURL, m.opts.BaseURL+"/"+url.PathEscape(final))
	}
	return fmt.Sprintf(msgDonePath, path)
}

func (m *Machine) transition(ctx context.Context, to State) {
	from := m.sess.State
	m.sess.State = to
	m.opts.Recorder.Transition(string(from), string(to))
	logger.Debug(ctx, component, "fsm.transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

// reset returns to StateAwaitingURL and starts a new session cycle.
func (m *Machine) reset(ctx context.Context) {
	m.transition(ctx, StateAwaitingURL)
	m.sess.PendingTarget = ""
	m.sess.Artifact = Artifact{}
	m.sess.PendingDeletions = nil
	m.sess.generation++
	m.sess.ID = uuid.NewString()
}

func (m *Machine) queueDeletion(id string) {
	if !m.opts.DeleteAfterCompletion || id == "" {
		return
	}
	m.sess.PendingDeletions = append(m.sess.PendingDeletions, id)
}

func (m *Machine) trackDeletion(gen uint64, id string) {
	if gen != m.sess.generation {
		return
	}
	m.queueDeletion(id)
}

// reply sends text to the current peer. When track is set and deletion is
// enabled, the id of the created push joins the deletions of this cycle.
func (m *Machine) reply(ctx context.Context, text string, track bool) {
	peer, gen := m.sess.Peer, m.sess.generation
	track = track && m.opts.DeleteAfterCompletion

	inline := func() {
		id, err := m.opts.Replier.Reply(ctx, peer, text)
		if err != nil {
			logger.Warn(ctx, component, "reply.fail", slog.String("err", err.Error()))
			return
		}
		if track {
			m.trackDeletion(gen, id)
		}
	}
	if m.opts.Queue == nil {
		inline()
		return
	}
	err := m.opts.Queue.Enqueue(ctx, "reply", "pushes", func() error {
		id, err := m.opts.Replier.Reply(ctx, peer, text)
		if err != nil {
			return err
		}
		if track {
			_ = m.post(ctx, trackEvent{gen: gen, id: id})
		}
		return nil
	})
	if err != nil {
		logger.Warn(ctx, component, "queue.fallback",
			slog.String("action", "reply"),
			slog.String("err", err.Error()),
		)
		inline()
	}
}

// flushDeletions removes the tracked pushes from the relay without waiting
// for the outcome. Failures are logged only.
func (m *Machine) flushDeletions(ctx context.Context) {
	for _, id := range m.sess.PendingDeletions {
		del := func() error { return m.opts.Replier.Delete(ctx, id) }
		if m.opts.Queue != nil {
			if err := m.opts.Queue.Enqueue(ctx, "delete", "pushes/"+id, del); err == nil {
				continue
			}
		}
		if err := del(); err != nil {
			logger.Warn(ctx, component, "delete.fail", slog.String("push_id", id), slog.String("err", err.Error()))
		}
	}
}

type nopRecorder struct{}

func (nopRecorder) Notification(string, string)          {}
func (nopRecorder) Transition(string, string)            {}
func (nopRecorder) Download(string, bool, time.Duration) {}
