package collab

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Allen1801/google-docs-clone/protocol"
	"github.com/Allen1801/google-docs-clone/utils"
)

var (
	ErrNotMember    = errors.New("session is not a member of the room")
	ErrRoomMismatch = errors.New("message names a different room")
	ErrSlowSession  = errors.New("session send queue is full")
	ErrEmptyBatch   = errors.New("operation batch carries no steps")
)

// Session is the server-side handle for one connected participant. Send
// must not block: a session that cannot keep up returns an error and the
// room drops the message for that session only.
type Session interface {
	ID() string
	Send(buf []byte) error
}

// Room is the authoritative state for one collaboratively edited document.
// Every mutation goes through the room mutex, so one room processes its
// messages as a single logical sequencer: version increments and the
// matching broadcasts are atomic with respect to each other, and all
// sessions observe relayed batches in the same order the room accepted
// them. Rooms are independent; nothing here blocks another room.
type Room struct {
	id string

	mu       sync.Mutex
	doc      json.RawMessage
	version  int64
	oplog    []*protocol.Steps
	title    string
	sessions map[Session]struct{}
	presence map[string]*protocol.PresenceRecord

	log   utils.Logger
	clock func() time.Time

	onRelay func() // registry counters, may be nil
	onSweep func(removed int)
}

func newRoom(id string, log utils.Logger, clock func() time.Time) *Room {
	return &Room{
		id:       id,
		doc:      protocol.EmptyDoc,
		title:    protocol.DefaultTitle,
		sessions: make(map[Session]struct{}),
		presence: make(map[string]*protocol.PresenceRecord),
		log:      log,
		clock:    clock,
	}
}

func (r *Room) ID() string { return r.id }

// Join registers the session and sends it the init reply while the room
// lock is still held, so no broadcast can reach the session ahead of the
// snapshot it reflects. Nothing is sent to the other sessions.
func (r *Room) Join(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = struct{}{}
	init, err := protocol.Encode(&protocol.Init{
		Type:    protocol.TypeInit,
		RoomID:  r.id,
		Doc:     r.doc,
		Version: r.version,
		Title:   r.title,
	})
	if err != nil {
		return err
	}
	return s.Send(init)
}

// ApplySteps accepts an operation batch from a member session: the batch is
// appended to the operation log, the room snapshot becomes the sender's
// reported snapshot, the version advances by exactly one, and the raw
// message is relayed to every other session. The sender never gets an echo.
func (r *Room) ApplySteps(from Session, msg *protocol.Steps, raw []byte) error {
	if msg.RoomID != r.id {
		return ErrRoomMismatch
	}
	if len(msg.Steps) == 0 {
		return ErrEmptyBatch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[from]; !ok {
		return ErrNotMember
	}

	r.oplog = append(r.oplog, msg)
	if len(msg.Doc) > 0 {
		r.doc = msg.Doc
	}
	r.version++
	r.broadcastLocked(raw, from)
	if r.onRelay != nil {
		r.onRelay()
	}
	return nil
}

// UpsertPresence stores the sender's record keyed by client id with a
// refreshed lastSeen, then broadcasts the full current presence set to
// every session in the room, the sender included. A nil selection is a
// departure: the record is removed instead of stored.
func (r *Room) UpsertPresence(from Session, rec protocol.PresenceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[from]; !ok {
		return ErrNotMember
	}

	if rec.Selection == nil {
		delete(r.presence, rec.ClientID)
	} else {
		rec.LastSeen = r.clock().UnixMilli()
		r.presence[rec.ClientID] = &rec
	}
	return r.broadcastPresenceLocked()
}

// SetTitle updates the room title and relays the message to every session
// except the sender.
func (r *Room) SetTitle(from Session, msg *protocol.Title, raw []byte) error {
	if msg.RoomID != r.id {
		return ErrRoomMismatch
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[from]; !ok {
		return ErrNotMember
	}
	r.title = msg.Title
	r.broadcastLocked(raw, from)
	return nil
}

// RemoveSession drops the session from the room. The session's presence
// record is deliberately left behind for the reaper.
func (r *Room) RemoveSession(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
}

// ReapStale removes every presence record last seen before the cutoff.
// If anything was removed, the updated presence set is broadcast once,
// regardless of how many records went away. Returns the number removed.
func (r *Room) ReapStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	limit := cutoff.UnixMilli()
	for id, rec := range r.presence {
		if rec.LastSeen < limit {
			delete(r.presence, id)
			removed++
		}
	}
	if removed > 0 {
		if err := r.broadcastPresenceLocked(); err != nil {
			r.log.Warn("room: presence broadcast after sweep failed", "room", r.id, "err", err)
		}
		if r.onSweep != nil {
			r.onSweep(removed)
		}
	}
	return removed
}

func (r *Room) broadcastPresenceLocked() error {
	users := make([]protocol.PresenceRecord, 0, len(r.presence))
	for _, rec := range r.presence {
		users = append(users, *rec)
	}
	buf, err := protocol.Encode(&protocol.PresenceBroadcast{
		Type:    protocol.TypePresence,
		Payload: users,
	})
	if err != nil {
		return err
	}
	r.broadcastLocked(buf, nil)
	return nil
}

func (r *Room) broadcastLocked(buf []byte, except Session) {
	for s := range r.sessions {
		if s == except {
			continue
		}
		if err := s.Send(buf); err != nil {
			r.log.Warn("room: dropping message for session", "room", r.id, "session", s.ID(), "err", err)
		}
	}
}

// Version returns the number of accepted operation batches.
func (r *Room) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

func (r *Room) Title() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.title
}

func (r *Room) Snapshot() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc
}

func (r *Room) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Room) PresenceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.presence)
}

// OpLogLen returns the number of batches accepted so far; it always equals
// Version while the room exists.
func (r *Room) OpLogLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.oplog)
}
