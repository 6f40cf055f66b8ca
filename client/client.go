// Package client implements the participant side of the collaboration
// protocol: joining a room, batching locally produced steps into debounced
// sends, applying remote batches to the local document, and maintaining
// the live presence view. All document access is funneled through one
// mutex, mirroring the single-threaded editor context the protocol was
// designed for.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Allen1801/google-docs-clone/protocol"
	"github.com/Allen1801/google-docs-clone/utils"
)

const (
	// DefaultFlushDelay is the "wait one frame" window for coalescing
	// rapid keystrokes into a single steps batch.
	DefaultFlushDelay = 16 * time.Millisecond
	// DefaultPresenceDelay coalesces rapid cursor movement into at most
	// one presence send per window.
	DefaultPresenceDelay = 200 * time.Millisecond
	// DefaultHeartbeatPeriod re-announces an idle participant well inside
	// the server's staleness threshold.
	DefaultHeartbeatPeriod = 5 * time.Second
)

type Client struct {
	log      utils.Logger
	url      string
	roomID   string
	clientID string
	name     string
	color    string

	flushDelay      time.Duration
	presenceDelay   time.Duration
	heartbeatPeriod time.Duration

	mu        sync.Mutex // guards the fields below
	doc       Document
	pending   []json.RawMessage
	peers     map[string]protocol.PresenceRecord
	selection *protocol.Selection
	title     string
	version   int64
	conn      *websocket.Conn
	outbox    [][]byte // title sends queued while disconnected
	queuedSel []byte   // latest presence send while disconnected; older ones are superseded

	onSteps    func(*protocol.Steps)
	onPresence func([]protocol.PresenceRecord)
	onTitle    func(string)

	wmu sync.Mutex // serializes websocket writes

	flush       *utils.Debouncer
	presenceDeb *utils.Debouncer

	ready     chan struct{}
	readyOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

type ClientOpt interface {
	Apply(*Client)
}

type ClientIDOpt struct{ ID string }

func (opt *ClientIDOpt) Apply(c *Client) { c.clientID = opt.ID }

type NameOpt struct{ Name string }

func (opt *NameOpt) Apply(c *Client) { c.name = opt.Name }

type FlushDelayOpt struct{ Delay time.Duration }

func (opt *FlushDelayOpt) Apply(c *Client) { c.flushDelay = opt.Delay }

type PresenceDelayOpt struct{ Delay time.Duration }

func (opt *PresenceDelayOpt) Apply(c *Client) { c.presenceDelay = opt.Delay }

type HeartbeatPeriodOpt struct{ Period time.Duration }

func (opt *HeartbeatPeriodOpt) Apply(c *Client) { c.heartbeatPeriod = opt.Period }

// Dial connects to the relay, joins the room and starts the read loop and
// the presence heartbeat. The returned client is usable immediately;
// WaitReady blocks until the init reply has replaced the local document.
func Dial(ctx context.Context, url, roomID string, doc Document, log utils.Logger, opts ...ClientOpt) (*Client, error) {
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		log:             log,
		url:             url,
		roomID:          roomID,
		clientID:        uuid.Must(uuid.NewV7()).String(),
		flushDelay:      DefaultFlushDelay,
		presenceDelay:   DefaultPresenceDelay,
		heartbeatPeriod: DefaultHeartbeatPeriod,
		doc:             doc,
		peers:           make(map[string]protocol.PresenceRecord),
		title:           protocol.DefaultTitle,
		ready:           make(chan struct{}),
		ctx:             cctx,
		cancel:          cancel,
	}
	for _, o := range opts {
		o.Apply(c)
	}
	if c.name == "" {
		c.name = handleFor(c.clientID)
	}
	c.color = colorFor(c.clientID)
	c.flush = utils.NewDebouncer(c.flushDelay, c.flushSteps)
	c.presenceDeb = utils.NewDebouncer(c.presenceDelay, c.sendPresence)

	if err := c.connect(ctx); err != nil {
		cancel()
		return nil, err
	}

	c.wg.Add(1)
	go c.heartbeat()
	return c, nil
}

// connect dials, sends the join and launches a read loop for the new
// connection. Used by Dial and Reconnect.
func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return errors.Wrap(err, "dial")
	}

	join, err := protocol.Encode(&protocol.Join{Type: protocol.TypeJoin, RoomID: c.roomID})
	if err != nil {
		conn.Close()
		return err
	}
	c.wmu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, join)
	c.wmu.Unlock()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "join")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// Reconnect rejoins the room as if fresh: the server's current snapshot
// replaces the local one and queued presence/title sends are flushed.
// Steps batches lost to the old connection are not redelivered.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.New("client is closed")
	}
	c.mu.Lock()
	stale := c.conn
	c.conn = nil
	c.mu.Unlock()
	if stale != nil {
		stale.Close()
	}
	return c.connect(ctx)
}

// WaitReady blocks until the first init reply has been applied.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) ClientID() string { return c.clientID }
func (c *Client) Name() string     { return c.name }
func (c *Client) Color() string    { return c.color }

func (c *Client) Title() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.title
}

func (c *Client) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// OnRemoteSteps registers a callback invoked after a remote batch has been
// applied to the local document.
func (c *Client) OnRemoteSteps(f func(*protocol.Steps)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSteps = f
}

func (c *Client) OnPresence(f func([]protocol.PresenceRecord)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPresence = f
}

func (c *Client) OnTitle(f func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTitle = f
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("client: connection lost", "err", err)
			}
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}
		c.handle(raw)
	}
}

func (c *Client) handle(raw []byte) {
	msgType, err := protocol.PeekType(raw)
	if err != nil {
		c.log.Debug("client: dropping malformed message", "err", err)
		return
	}
	switch msgType {
	case protocol.TypeInit:
		c.handleInit(raw)
	case protocol.TypeSteps:
		c.handleRemoteSteps(raw)
	case protocol.TypePresence:
		c.handlePresence(raw)
	case protocol.TypeTitle:
		c.handleTitle(raw)
	}
}

// handleInit replaces the local document wholesale with the server's
// snapshot. The replacement is remote-origin: any locally buffered steps
// from before the join are discarded, never re-sent.
func (c *Client) handleInit(raw []byte) {
	msg, err := protocol.DecodeInit(raw)
	if err != nil {
		c.log.Debug("client: bad init", "err", err)
		return
	}

	c.mu.Lock()
	if err := c.doc.Restore(msg.Doc); err != nil {
		c.log.Error("client: init snapshot rejected by document", "err", err)
		c.mu.Unlock()
		return
	}
	c.version = msg.Version
	c.title = msg.Title
	c.pending = nil
	queued := c.outbox
	sel := c.queuedSel
	c.outbox, c.queuedSel = nil, nil
	c.mu.Unlock()

	c.readyOnce.Do(func() { close(c.ready) })
	c.log.Info("client: joined", "room", c.roomID, "version", msg.Version)

	// Title sends that piled up while disconnected go out now, against the
	// fresh session, followed by the latest queued presence.
	for _, buf := range queued {
		if err := c.write(buf); err != nil {
			c.log.Warn("client: queued send failed", "err", err)
		}
	}
	if sel != nil {
		if err := c.write(sel); err != nil {
			c.log.Warn("client: queued send failed", "err", err)
		}
	}
}

func (c *Client) handleTitle(raw []byte) {
	msg, err := protocol.DecodeTitle(raw)
	if err != nil {
		c.log.Debug("client: bad title update", "err", err)
		return
	}
	c.mu.Lock()
	c.title = msg.Title
	cb := c.onTitle
	c.mu.Unlock()
	if cb != nil {
		cb(msg.Title)
	}
}

// write serializes one encoded message onto the current connection.
func (c *Client) write(buf []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, buf)
}

// Close cancels pending debounced sends and the heartbeat, announces
// departure with a null selection, and tears down the transport.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.flush.Stop()
	c.presenceDeb.Stop()
	c.cancel()

	if buf, err := protocol.Encode(&protocol.PresenceUpdate{
		Type:   protocol.TypePresence,
		RoomID: c.roomID,
		Payload: protocol.PresenceRecord{
			ClientID: c.clientID,
			Name:     c.name,
			Color:    c.color,
		},
	}); err == nil {
		_ = c.write(buf)
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		c.wmu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmu.Unlock()
		conn.Close()
	}
	c.wg.Wait()
	return nil
}
