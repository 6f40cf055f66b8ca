package client_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	collab "github.com/Allen1801/google-docs-clone"
	"github.com/Allen1801/google-docs-clone/client"
	"github.com/Allen1801/google-docs-clone/protocol"
	"github.com/Allen1801/google-docs-clone/server"
	"github.com/Allen1801/google-docs-clone/textdoc"
	"github.com/Allen1801/google-docs-clone/utils"
)

func newTestRelay(t *testing.T) (string, *collab.Registry) {
	t.Helper()
	log := utils.NewDefaultLogger(slog.LevelError)
	reg := collab.NewRegistry(log)
	srv := server.NewServer(log, reg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", reg
}

// fast debounce windows so tests don't sit around
func fastOpts(extra ...client.ClientOpt) []client.ClientOpt {
	opts := []client.ClientOpt{
		&client.FlushDelayOpt{Delay: 5 * time.Millisecond},
		&client.PresenceDelayOpt{Delay: 5 * time.Millisecond},
		&client.HeartbeatPeriodOpt{Period: 50 * time.Millisecond},
	}
	return append(opts, extra...)
}

func dialReady(t *testing.T, url, roomID string, opts ...client.ClientOpt) (*client.Client, *textdoc.Doc) {
	t.Helper()
	doc := textdoc.New()
	log := utils.NewDefaultLogger(slog.LevelError)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, url, roomID, doc, log, fastOpts(opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.WaitReady(ctx))
	return c, doc
}

func text(c *client.Client) string {
	out := ""
	c.ReadDocument(func(d client.Document) {
		out = d.(*textdoc.Doc).Text()
	})
	return out
}

func TestEditsPropagateBetweenClients(t *testing.T) {
	url, _ := newTestRelay(t)

	a, _ := dialReady(t, url, "doc1")
	b, _ := dialReady(t, url, "doc1")

	require.NoError(t, a.Edit(textdoc.InsertSteps(0, "hi")...))
	assert.Equal(t, "hi", text(a), "local edits apply immediately")

	require.Eventually(t, func() bool { return text(b) == "hi" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), b.Version(), "one batch, one version step")
}

func TestRapidEditsFlushAsOneBatch(t *testing.T) {
	url, reg := newTestRelay(t)

	a, _ := dialReady(t, url, "doc1", &client.FlushDelayOpt{Delay: 30 * time.Millisecond})

	// several edits inside one debounce window
	require.NoError(t, a.Edit(textdoc.InsertSteps(0, "a")...))
	require.NoError(t, a.Edit(textdoc.InsertSteps(1, "b")...))
	require.NoError(t, a.Edit(textdoc.InsertSteps(2, "c")...))
	assert.Equal(t, 3, a.PendingSteps())

	room, ok := reg.Lookup("doc1")
	require.True(t, ok)
	require.Eventually(t, func() bool { return room.Version() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, a.PendingSteps())
	assert.Equal(t, 1, room.OpLogLen())
}

func TestMidSessionJoinerAdoptsSnapshot(t *testing.T) {
	url, reg := newTestRelay(t)

	a, _ := dialReady(t, url, "doc1")
	require.NoError(t, a.Edit(textdoc.InsertSteps(0, "hello")...))

	room, _ := reg.Lookup("doc1")
	require.Eventually(t, func() bool { return room.Version() == 1 }, 2*time.Second, 5*time.Millisecond)

	b, _ := dialReady(t, url, "doc1")
	assert.Equal(t, "hello", text(b))
	assert.Equal(t, int64(1), b.Version())
	assert.Equal(t, 0, b.PendingSteps())
}

func TestRemoteStepFailureSkipsJustThatStep(t *testing.T) {
	url, _ := newTestRelay(t)

	b, _ := dialReady(t, url, "doc1")
	var remote atomic.Int32
	b.OnRemoteSteps(func(*protocol.Steps) { remote.Add(1) })

	// hand-rolled participant: its batch opens with a step that cannot
	// apply to b's empty document, then one that can
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	joinBuf, err := protocol.Encode(&protocol.Join{Type: protocol.TypeJoin, RoomID: "doc1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, joinBuf))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage() // init reply
	require.NoError(t, err)

	steps := append(textdoc.DeleteSteps(40, 1), textdoc.InsertSteps(0, "z")...)
	batch, err := protocol.Encode(&protocol.Steps{
		Type:     protocol.TypeSteps,
		RoomID:   "doc1",
		ClientID: "hand-rolled",
		Doc:      json.RawMessage(`{"type":"doc","content":["z"]}`),
		Steps:    steps,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, batch))

	// the bad step is skipped, the good one lands, the batch still counts
	require.Eventually(t, func() bool { return text(b) == "z" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), remote.Load())
	assert.Equal(t, int64(1), b.Version())
}

func TestPresenceVisibleToBothSides(t *testing.T) {
	url, _ := newTestRelay(t)

	a, _ := dialReady(t, url, "doc1")
	b, _ := dialReady(t, url, "doc1")

	a.SetSelection(1, 4)
	b.SetSelection(0, 0)

	require.Eventually(t, func() bool { return len(a.Peers()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(b.Peers()) == 1 }, 2*time.Second, 5*time.Millisecond)

	peer := b.Peers()[0]
	assert.Equal(t, a.ClientID(), peer.ClientID)
	require.NotNil(t, peer.Selection)
	assert.Equal(t, 1, peer.Selection.Anchor)
	assert.Equal(t, 4, peer.Selection.Head)
	assert.Equal(t, a.Color(), peer.Color)
}

func TestCloseAnnouncesDeparture(t *testing.T) {
	url, _ := newTestRelay(t)

	a, _ := dialReady(t, url, "doc1")
	b, _ := dialReady(t, url, "doc1")

	a.SetSelection(0, 0)
	b.SetSelection(0, 0)
	require.Eventually(t, func() bool { return len(b.Peers()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return len(b.Peers()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHeartbeatKeepsPresenceFresh(t *testing.T) {
	url, reg := newTestRelay(t)

	a, _ := dialReady(t, url, "doc1")
	a.SetSelection(2, 2)

	room, _ := reg.Lookup("doc1")
	require.Eventually(t, func() bool { return room.PresenceCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// sweep with a threshold the 50ms heartbeat easily outruns
	rp := collab.NewReaper(reg, utils.NewDefaultLogger(slog.LevelError),
		&collab.ReaperStaleAfterOpt{StaleAfter: 500 * time.Millisecond})
	time.Sleep(300 * time.Millisecond)
	rp.Sweep()
	assert.Equal(t, 1, room.PresenceCount(), "heartbeat must keep the record alive")
}

func TestTitlePropagates(t *testing.T) {
	url, _ := newTestRelay(t)

	a, _ := dialReady(t, url, "doc1")
	b, _ := dialReady(t, url, "doc1")

	titles := make(chan string, 1)
	b.OnTitle(func(title string) { titles <- title })

	a.SetTitle("Standup Notes")
	select {
	case got := <-titles:
		assert.Equal(t, "Standup Notes", got)
	case <-time.After(2 * time.Second):
		t.Fatal("title update never arrived")
	}
	assert.Equal(t, "Standup Notes", b.Title())
	assert.Equal(t, "Standup Notes", a.Title())
}

func TestReconnectRejoinsFresh(t *testing.T) {
	url, reg := newTestRelay(t)

	a, _ := dialReady(t, url, "doc1")
	require.NoError(t, a.Edit(textdoc.InsertSteps(0, "abc")...))

	room, _ := reg.Lookup("doc1")
	require.Eventually(t, func() bool { return room.Version() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Reconnect(ctx))

	// the server's snapshot is authoritative after a rejoin
	require.Eventually(t, func() bool { return text(a) == "abc" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), a.Version())

	// and the session is live: edits still propagate
	require.NoError(t, a.Edit(textdoc.InsertSteps(3, "d")...))
	require.Eventually(t, func() bool { return room.Version() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestDeterministicIdentity(t *testing.T) {
	url, _ := newTestRelay(t)

	a, _ := dialReady(t, url, "doc1", &client.ClientIDOpt{ID: "fixed-id"}, &client.NameOpt{Name: ""})
	b, _ := dialReady(t, url, "doc2", &client.ClientIDOpt{ID: "fixed-id"})

	assert.Equal(t, a.Color(), b.Color(), "color derives from the client id")
	assert.NotEmpty(t, a.Name())
	assert.Equal(t, a.Name(), b.Name())
}
