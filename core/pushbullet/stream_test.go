package pushbullet

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func streamServer(t *testing.T, frames []streamMessage, hold bool) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/o.token"), r.URL.Path)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for _, f := range frames {
			if err := wsjson.Write(r.Context(), conn, f); err != nil {
				return
			}
		}
		if hold {
			<-r.Context().Done()
			return
		}
		conn.Close(websocket.StatusNormalClosure, "bye")
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/websocket"
}

func TestStreamTicklesOnlyOnPush(t *testing.T) {
	url := streamServer(t, []streamMessage{
		{Type: "nop"},
		{Type: "tickle", Subtype: "device"},
		{Type: "tickle", Subtype: "push"},
		{Type: "push"},
		{Type: "tickle", Subtype: "push"},
	}, false)

	var tickles atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := NewStream(url, "o.token").Run(ctx, func() { tickles.Add(1) })

	require.Error(t, err, "relay closing the stream ends the run")
	assert.EqualValues(t, 2, tickles.Load())
}

func TestStreamStopsCleanlyOnCancel(t *testing.T) {
	url := streamServer(t, []streamMessage{{Type: "tickle", Subtype: "push"}}, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewStream(url+"/", "o.token").Run(ctx, cancel)
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestStreamIdleEndsRun(t *testing.T) {
	url := streamServer(t, []streamMessage{{Type: "nop"}, {Type: "tickle", Subtype: "push"}}, true)

	s := NewStream(url, "o.token")
	s.idle = 200 * time.Millisecond
	var tickles atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.Run(ctx, func() { tickles.Add(1) })
	require.ErrorIs(t, err, ErrStreamIdle)
	require.NoError(t, ctx.Err(), "idle timeout must fire before the test deadline")
	assert.EqualValues(t, 1, tickles.Load())
}

func TestStreamDialFailure(t *testing.T) {
	err := NewStream("ws://127.0.0.1:1/websocket/", "o.secrettokenvalue123").Run(context.Background(), func() {})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secrettokenvalue123")
}

type fakeNotes struct {
	notes   []Note
	deleted []string
}

func (f *fakeNotes) CreateNote(_ context.Context, n Note) (Push, error) {
	f.notes = append(f.notes, n)
	return Push{Iden: "reply-1"}, nil
}

func (f *fakeNotes) DeletePush(_ context.Context, iden string) error {
	f.deleted = append(f.deleted, iden)
	return nil
}

func TestNotifierPrefixesReplies(t *testing.T) {
	f := &fakeNotes{}
	n := NewNotifier(f, "dev-bot", "BOT: ")

	id, err := n.Reply(context.Background(), "phone", "hello")
	require.NoError(t, err)
	assert.Equal(t, "reply-1", id)
	require.Len(t, f.notes, 1)
	assert.Equal(t, Note{Body: "BOT: hello", SourceDevice: "dev-bot", TargetDevice: "phone"}, f.notes[0])

	require.NoError(t, n.Delete(context.Background(), "p1"))
	assert.Equal(t, []string{"p1"}, f.deleted)
}
