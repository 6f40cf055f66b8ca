package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	collab "github.com/Allen1801/google-docs-clone"
	"github.com/Allen1801/google-docs-clone/protocol"
	"github.com/Allen1801/google-docs-clone/utils"
)

// session is the per-connection state machine: unjoined until a join
// message names a room, then a member of exactly that room until the
// connection closes. Messages for rooms the session never joined are
// ignored; malformed messages are logged and dropped; nothing a single
// session does can take down a room.
type session struct {
	id   string
	log  utils.Logger
	conn *websocket.Conn
	send chan []byte

	// ctx carries the session id as a default log arg and picks up the
	// room on join; owned by readPump after handleWS hands it over.
	ctx context.Context

	registry     *collab.Registry
	room         *collab.Room // nil while unjoined; readPump only
	writeTimeout time.Duration
}

func (s *session) ID() string { return s.id }

// Send enqueues an encoded message for the write pump. It never blocks: if
// the session's queue is full the message is dropped and the room keeps
// going.
func (s *session) Send(buf []byte) error {
	select {
	case s.send <- buf:
		return nil
	default:
		return collab.ErrSlowSession
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("server: websocket upgrade failed", "err", errors.Wrap(err, "upgrade"))
		return
	}

	sess := &session{
		id:           uuid.Must(uuid.NewV7()).String(),
		log:          s.log,
		conn:         conn,
		send:         make(chan []byte, s.sendQueueLen),
		registry:     s.registry,
		writeTimeout: s.writeTimeout,
	}
	sess.ctx = utils.WithDefaultArgs(r.Context(), "session", sess.id)
	s.log.InfoCtx(sess.ctx, "server: session connected", "remote", conn.RemoteAddr().String())

	go sess.writePump(sess.ctx)
	sess.readPump()
}

func (s *session) readPump() {
	defer func() {
		if s.room != nil {
			// Membership goes away now; the presence record stays until
			// the reaper expires it.
			s.room.RemoveSession(s)
		}
		close(s.send)
		s.log.InfoCtx(s.ctx, "server: session disconnected")
	}()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WarnCtx(s.ctx, "server: read failed", "err", err)
			}
			return
		}
		s.dispatch(raw)
	}
}

func (s *session) dispatch(raw []byte) {
	msgType, err := protocol.PeekType(raw)
	if err != nil {
		s.log.DebugCtx(s.ctx, "server: dropping malformed message", "err", err)
		return
	}

	switch msgType {
	case protocol.TypeJoin:
		s.handleJoin(raw)
	case protocol.TypeSteps:
		s.handleSteps(raw)
	case protocol.TypePresence:
		s.handlePresence(raw)
	case protocol.TypeTitle:
		s.handleTitle(raw)
	default:
		// init is server->client only
		s.log.DebugCtx(s.ctx, "server: dropping message", "type", msgType)
	}
}

func (s *session) handleJoin(raw []byte) {
	msg, err := protocol.DecodeJoin(raw)
	if err != nil {
		s.log.DebugCtx(s.ctx, "server: bad join", "err", err)
		return
	}
	if s.room != nil {
		// One room per session; switching documents is modeled as a
		// disconnect and a fresh connection.
		s.log.WarnCtx(s.ctx, "server: join while joined ignored", "room", msg.RoomID)
		return
	}

	room := s.registry.GetOrCreate(msg.RoomID)
	if err := room.Join(s); err != nil {
		s.log.ErrorCtx(s.ctx, "server: join failed", "room", msg.RoomID, "err", err)
		room.RemoveSession(s)
		return
	}
	s.room = room
	s.ctx = utils.WithDefaultArgs(s.ctx, "room", msg.RoomID)
	s.log.InfoCtx(s.ctx, "server: session joined")
}

func (s *session) handleSteps(raw []byte) {
	if s.room == nil {
		return
	}
	msg, err := protocol.DecodeSteps(raw)
	if err != nil {
		s.log.DebugCtx(s.ctx, "server: bad steps batch", "err", err)
		return
	}
	if err := s.room.ApplySteps(s, msg, raw); err != nil {
		s.log.DebugCtx(s.ctx, "server: steps batch rejected", "err", err)
	}
}

func (s *session) handlePresence(raw []byte) {
	if s.room == nil {
		return
	}
	msg, err := protocol.DecodePresenceUpdate(raw)
	if err != nil {
		s.log.DebugCtx(s.ctx, "server: bad presence update", "err", err)
		return
	}
	if msg.RoomID != "" && msg.RoomID != s.room.ID() {
		return
	}
	if err := s.room.UpsertPresence(s, msg.Payload); err != nil {
		s.log.DebugCtx(s.ctx, "server: presence update rejected", "err", err)
	}
}

func (s *session) handleTitle(raw []byte) {
	if s.room == nil {
		return
	}
	msg, err := protocol.DecodeTitle(raw)
	if err != nil {
		s.log.DebugCtx(s.ctx, "server: bad title update", "err", err)
		return
	}
	if err := s.room.SetTitle(s, msg, raw); err != nil {
		s.log.DebugCtx(s.ctx, "server: title update rejected", "err", err)
	}
}

// writePump takes the ctx by value: s.ctx belongs to readPump, which may
// extend it with the room while the pump is running.
func (s *session) writePump(ctx context.Context) {
	defer s.conn.Close()
	for {
		buf, ok := <-s.send
		if !ok {
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
			s.log.DebugCtx(ctx, "server: write failed", "err", err)
			return
		}
	}
}
