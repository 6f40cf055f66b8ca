package collab

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Allen1801/google-docs-clone/protocol"
	"github.com/Allen1801/google-docs-clone/utils"
)

type fakeSession struct {
	id string

	mu   sync.Mutex
	msgs [][]byte
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Send(buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.msgs = append(f.msgs, cp)
	return nil
}

func (f *fakeSession) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.msgs...)
}

// byType filters received messages by their type discriminator.
func (f *fakeSession) byType(t *testing.T, msgType string) [][]byte {
	t.Helper()
	var out [][]byte
	for _, raw := range f.received() {
		typ, err := protocol.PeekType(raw)
		require.NoError(t, err)
		if typ == msgType {
			out = append(out, raw)
		}
	}
	return out
}

// testClock is a hand-driven time source for sweep tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLogger() utils.Logger {
	return utils.NewDefaultLogger(slog.LevelError)
}

func stepsBatch(t *testing.T, roomID, clientID, text string) (*protocol.Steps, []byte) {
	t.Helper()
	msg := &protocol.Steps{
		Type:     protocol.TypeSteps,
		RoomID:   roomID,
		ClientID: clientID,
		Doc:      json.RawMessage(fmt.Sprintf(`{"type":"doc","content":[%q]}`, text)),
		Steps:    []json.RawMessage{json.RawMessage(fmt.Sprintf(`{"action":"insert","char":%q,"index":0}`, text))},
	}
	raw, err := protocol.Encode(msg)
	require.NoError(t, err)
	return msg, raw
}

func presenceRec(clientID string, anchor, head int) protocol.PresenceRecord {
	return protocol.PresenceRecord{
		ClientID:  clientID,
		Name:      clientID,
		Color:     "#1e88e5",
		Selection: &protocol.Selection{Anchor: anchor, Head: head},
	}
}

func joinedRoom(t *testing.T, reg *Registry, roomID string, sessions ...*fakeSession) *Room {
	t.Helper()
	room := reg.GetOrCreate(roomID)
	for _, s := range sessions {
		require.NoError(t, room.Join(s))
	}
	return room
}

func TestJoinRepliesWithInitOnly(t *testing.T) {
	reg := NewRegistry(testLogger())
	a := &fakeSession{id: "a"}
	b := &fakeSession{id: "b"}
	joinedRoom(t, reg, "doc1", a, b)

	require.Len(t, a.received(), 1)
	init, err := protocol.DecodeInit(a.received()[0])
	require.NoError(t, err)
	assert.Equal(t, "doc1", init.RoomID)
	assert.Equal(t, int64(0), init.Version)
	assert.Equal(t, protocol.DefaultTitle, init.Title)
	assert.JSONEq(t, string(protocol.EmptyDoc), string(init.Doc))

	// a's join told b nothing, and vice versa
	assert.Len(t, b.received(), 1)
}

func TestVersionCountsAcceptedBatches(t *testing.T) {
	reg := NewRegistry(testLogger())
	a := &fakeSession{id: "a"}
	b := &fakeSession{id: "b"}
	room := joinedRoom(t, reg, "doc1", a, b)

	const n = 7
	for i := 0; i < n; i++ {
		from, sender := a, "ca"
		if i%2 == 1 {
			from, sender = b, "cb"
		}
		msg, raw := stepsBatch(t, "doc1", sender, fmt.Sprintf("x%d", i))
		require.NoError(t, room.ApplySteps(from, msg, raw))
	}

	assert.Equal(t, int64(n), room.Version())
	assert.Equal(t, n, room.OpLogLen())
	assert.Equal(t, int64(n), reg.RelayedBatches())
}

func TestStepsRelayedToOthersNeverEchoed(t *testing.T) {
	reg := NewRegistry(testLogger())
	a := &fakeSession{id: "a"}
	b := &fakeSession{id: "b"}
	c := &fakeSession{id: "c"}
	room := joinedRoom(t, reg, "doc1", a, b, c)

	msg, raw := stepsBatch(t, "doc1", "ca", "h")
	require.NoError(t, room.ApplySteps(a, msg, raw))

	assert.Empty(t, a.byType(t, protocol.TypeSteps), "sender must not get an echo")
	require.Len(t, b.byType(t, protocol.TypeSteps), 1)
	require.Len(t, c.byType(t, protocol.TypeSteps), 1)
	// relayed verbatim
	assert.Equal(t, raw, b.byType(t, protocol.TypeSteps)[0])
}

func TestStepsFromNonMemberRejected(t *testing.T) {
	reg := NewRegistry(testLogger())
	a := &fakeSession{id: "a"}
	room := joinedRoom(t, reg, "doc1", a)

	stranger := &fakeSession{id: "stranger"}
	msg, raw := stepsBatch(t, "doc1", "cs", "x")
	assert.ErrorIs(t, room.ApplySteps(stranger, msg, raw), ErrNotMember)
	assert.Equal(t, int64(0), room.Version())
	assert.Empty(t, a.byType(t, protocol.TypeSteps))
}

func TestStepsForDifferentRoomRejected(t *testing.T) {
	reg := NewRegistry(testLogger())
	a := &fakeSession{id: "a"}
	room := joinedRoom(t, reg, "doc1", a)

	msg, raw := stepsBatch(t, "doc2", "ca", "x")
	assert.ErrorIs(t, room.ApplySteps(a, msg, raw), ErrRoomMismatch)
	assert.Equal(t, int64(0), room.Version())
}

func TestEmptyBatchRejected(t *testing.T) {
	reg := NewRegistry(testLogger())
	a := &fakeSession{id: "a"}
	room := joinedRoom(t, reg, "doc1", a)

	msg := &protocol.Steps{Type: protocol.TypeSteps, RoomID: "doc1", ClientID: "ca"}
	raw, err := protocol.Encode(msg)
	require.NoError(t, err)
	assert.ErrorIs(t, room.ApplySteps(a, msg, raw), ErrEmptyBatch)
	assert.Equal(t, int64(0), room.Version())
}

func TestLateJoinerSeesLatestSnapshot(t *testing.T) {
	reg := NewRegistry(testLogger())
	a := &fakeSession{id: "a"}
	room := joinedRoom(t, reg, "doc1", a)

	msg, raw := stepsBatch(t, "doc1", "ca", "h")
	require.NoError(t, room.ApplySteps(a, msg, raw))

	b := &fakeSession{id: "b"}
	require.NoError(t, room.Join(b))
	init, err := protocol.DecodeInit(b.received()[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), init.Version)
	assert.JSONEq(t, string(msg.Doc), string(init.Doc))
}

func TestPresenceBroadcastIncludesSender(t *testing.T) {
	reg := NewRegistry(testLogger())
	a := &fakeSession{id: "a"}
	b := &fakeSession{id: "b"}
	room := joinedRoom(t, reg, "doc1", a, b)

	require.NoError(t, room.UpsertPresence(a, presenceRec("ca", 0, 0)))
	require.NoError(t, room.UpsertPresence(b, presenceRec("cb", 2, 5)))

	for _, s := range []*fakeSession{a, b} {
		bcasts := s.byType(t, protocol.TypePresence)
		require.NotEmpty(t, bcasts, "session %s", s.id)
		last, err := protocol.DecodePresenceBroadcast(bcasts[len(bcasts)-1])
		require.NoError(t, err)
		assert.Len(t, last.Payload, 2)
	}
}

func TestPresenceUpsertIsIdempotent(t *testing.T) {
	clock := newTestClock()
	reg := NewRegistry(testLogger(), &RegistryClockOpt{Clock: clock.Now})
	a := &fakeSession{id: "a"}
	room := joinedRoom(t, reg, "doc1", a)

	require.NoError(t, room.UpsertPresence(a, presenceRec("ca", 1, 1)))
	first := a.byType(t, protocol.TypePresence)
	last, err := protocol.DecodePresenceBroadcast(first[len(first)-1])
	require.NoError(t, err)
	require.Len(t, last.Payload, 1)
	seen := last.Payload[0].LastSeen

	clock.Advance(3 * time.Second)
	require.NoError(t, room.UpsertPresence(a, presenceRec("ca", 1, 1)))

	all := a.byType(t, protocol.TypePresence)
	last, err = protocol.DecodePresenceBroadcast(all[len(all)-1])
	require.NoError(t, err)
	require.Len(t, last.Payload, 1, "re-sending must not duplicate the record")
	assert.Greater(t, last.Payload[0].LastSeen, seen, "lastSeen must be refreshed")
	assert.Equal(t, int64(0), room.Version(), "presence never advances the version")
}

func TestNullSelectionIsDeparture(t *testing.T) {
	reg := NewRegistry(testLogger())
	a := &fakeSession{id: "a"}
	b := &fakeSession{id: "b"}
	room := joinedRoom(t, reg, "doc1", a, b)

	require.NoError(t, room.UpsertPresence(a, presenceRec("ca", 0, 0)))
	require.NoError(t, room.UpsertPresence(a, protocol.PresenceRecord{ClientID: "ca"}))

	bcasts := b.byType(t, protocol.TypePresence)
	require.NotEmpty(t, bcasts)
	last, err := protocol.DecodePresenceBroadcast(bcasts[len(bcasts)-1])
	require.NoError(t, err)
	assert.Empty(t, last.Payload)
	assert.Equal(t, 0, room.PresenceCount())
}

func TestTitleRelayedToOthersOnly(t *testing.T) {
	reg := NewRegistry(testLogger())
	a := &fakeSession{id: "a"}
	b := &fakeSession{id: "b"}
	room := joinedRoom(t, reg, "doc1", a, b)

	msg := &protocol.Title{Type: protocol.TypeTitle, RoomID: "doc1", ClientID: "ca", Title: "Notes"}
	raw, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, room.SetTitle(a, msg, raw))

	assert.Equal(t, "Notes", room.Title())
	assert.Empty(t, a.byType(t, protocol.TypeTitle))
	require.Len(t, b.byType(t, protocol.TypeTitle), 1)
	assert.Equal(t, raw, b.byType(t, protocol.TypeTitle)[0])
}

func TestRemoveSessionKeepsPresence(t *testing.T) {
	reg := NewRegistry(testLogger())
	a := &fakeSession{id: "a"}
	room := joinedRoom(t, reg, "doc1", a)

	require.NoError(t, room.UpsertPresence(a, presenceRec("ca", 0, 0)))
	room.RemoveSession(a)

	assert.Equal(t, 0, room.SessionCount())
	assert.Equal(t, 1, room.PresenceCount(), "presence cleanup belongs to the reaper")

	// a removed session is no longer a member
	msg, raw := stepsBatch(t, "doc1", "ca", "x")
	assert.ErrorIs(t, room.ApplySteps(a, msg, raw), ErrNotMember)
}
