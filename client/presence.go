package client

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash"

	"github.com/Allen1801/google-docs-clone/protocol"
)

// Cursor colors, picked to stay readable on a light editor background.
var palette = []string{
	"#e53935", "#d81b60", "#8e24aa", "#5e35b1", "#3949ab",
	"#1e88e5", "#00897b", "#43a047", "#f4511e", "#6d4c41",
}

var adjectives = []string{
	"brisk", "calm", "eager", "fuzzy", "jolly", "mellow", "nimble", "witty",
}

var animals = []string{
	"otter", "heron", "lynx", "marmot", "puffin", "tapir", "wombat", "yak",
}

// colorFor derives a stable palette color from the client id, so the same
// participant shows up in the same color everywhere without coordination.
func colorFor(clientID string) string {
	return palette[xxhash.Sum64String(clientID)%uint64(len(palette))]
}

// handleFor is the default display name for participants who never picked
// one.
func handleFor(clientID string) string {
	h := xxhash.Sum64String(clientID)
	return fmt.Sprintf("%s-%s",
		adjectives[h%uint64(len(adjectives))],
		animals[(h>>8)%uint64(len(animals))])
}

// SetSelection records the local cursor range and schedules a debounced
// presence send, coalescing rapid cursor movement.
func (c *Client) SetSelection(anchor, head int) {
	c.mu.Lock()
	c.selection = &protocol.Selection{Anchor: anchor, Head: head}
	c.mu.Unlock()
	c.presenceDeb.Trigger()
}

// SetTitle renames the document locally and tells the room. Title sends
// survive a dropped connection via the outbox.
func (c *Client) SetTitle(title string) {
	c.mu.Lock()
	c.title = title
	c.mu.Unlock()

	buf, err := protocol.Encode(&protocol.Title{
		Type:     protocol.TypeTitle,
		RoomID:   c.roomID,
		ClientID: c.clientID,
		Title:    title,
	})
	if err != nil {
		c.log.Error("client: encoding title failed", "err", err)
		return
	}
	c.sendOrQueue(buf)
}

// sendPresence broadcasts the current selection. Fired by the debouncer
// and by the heartbeat; when the transport is down only the latest
// message is kept, to be flushed after the next successful join. The
// heartbeat can tick for a long time against a dead connection, so the
// queue must not grow with it.
func (c *Client) sendPresence() {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	sel := c.selection
	c.mu.Unlock()
	if sel == nil {
		return
	}

	buf, err := protocol.Encode(&protocol.PresenceUpdate{
		Type:   protocol.TypePresence,
		RoomID: c.roomID,
		Payload: protocol.PresenceRecord{
			ClientID:  c.clientID,
			Name:      c.name,
			Color:     c.color,
			Selection: sel,
		},
	})
	if err != nil {
		c.log.Error("client: encoding presence failed", "err", err)
		return
	}
	if err := c.write(buf); err != nil {
		c.mu.Lock()
		c.queuedSel = buf
		c.mu.Unlock()
	}
}

func (c *Client) sendOrQueue(buf []byte) {
	if err := c.write(buf); err != nil {
		c.mu.Lock()
		c.outbox = append(c.outbox, buf)
		c.mu.Unlock()
	}
}

// heartbeat re-broadcasts the current selection on a fixed period so the
// server's reaper never expires an idle-but-present participant.
func (c *Client) heartbeat() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sendPresence()
		}
	}
}

// handlePresence rebuilds the remote presence view in full from the
// broadcast payload; the view is never patched incrementally.
func (c *Client) handlePresence(raw []byte) {
	msg, err := protocol.DecodePresenceBroadcast(raw)
	if err != nil {
		c.log.Debug("client: bad presence broadcast", "err", err)
		return
	}

	c.mu.Lock()
	c.peers = make(map[string]protocol.PresenceRecord, len(msg.Payload))
	for _, rec := range msg.Payload {
		c.peers[rec.ClientID] = rec
	}
	cb := c.onPresence
	c.mu.Unlock()

	if cb != nil {
		cb(c.Peers())
	}
}

// Peers lists the other participants' presence records, sorted by client
// id for stable rendering. The local client is excluded.
func (c *Client) Peers() []protocol.PresenceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.PresenceRecord, 0, len(c.peers))
	for id, rec := range c.peers {
		if id == c.clientID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
