package client

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/Allen1801/google-docs-clone/protocol"
)

// Document is the local editable state the reconciler drives. The relay
// treats steps and snapshots as opaque JSON; only the Document gives them
// meaning. Implementations are not expected to be concurrency-safe — the
// client serializes all access.
type Document interface {
	// Apply executes one step against the current state.
	Apply(step json.RawMessage) error
	// Snapshot serializes the full current state.
	Snapshot() json.RawMessage
	// Restore replaces the state wholesale from a snapshot.
	Restore(snapshot json.RawMessage) error
}

// Edit applies locally produced steps to the document and buffers them for
// the next debounced flush. Rapid successive edits land in one batch.
func (c *Client) Edit(steps ...json.RawMessage) error {
	c.mu.Lock()
	for _, step := range steps {
		if err := c.doc.Apply(step); err != nil {
			c.mu.Unlock()
			return errors.Wrap(err, "local step")
		}
		c.pending = append(c.pending, step)
	}
	c.mu.Unlock()

	c.flush.Trigger()
	return nil
}

// PendingSteps reports how many local steps await the next flush.
func (c *Client) PendingSteps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ReadDocument runs f with the document under the client lock, for
// callers that want a consistent read of richer state than Snapshot.
// f must not call back into the client.
func (c *Client) ReadDocument(f func(doc Document)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f(c.doc)
}

// Snapshot returns the document's current serialized state.
func (c *Client) Snapshot() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Snapshot()
}

// flushSteps drains the pending buffer into a single batch carrying the
// resulting snapshot. A send failure loses the batch: the protocol has no
// ack or redelivery, and the next successful flush carries a snapshot that
// supersedes it anyway.
func (c *Client) flushSteps() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	msg := &protocol.Steps{
		Type:     protocol.TypeSteps,
		RoomID:   c.roomID,
		ClientID: c.clientID,
		Doc:      c.doc.Snapshot(),
		Steps:    c.pending,
	}
	c.pending = nil
	c.version++
	c.mu.Unlock()

	buf, err := protocol.Encode(msg)
	if err != nil {
		c.log.Error("client: encoding steps batch failed", "err", err)
		return
	}
	if err := c.write(buf); err != nil {
		c.log.Warn("client: steps batch lost", "steps", len(msg.Steps), "err", err)
	}
}

// handleRemoteSteps applies a relayed batch from another participant, step
// by step. A step that no longer applies cleanly is skipped and logged;
// the rest of the batch is still attempted. No resync is triggered.
func (c *Client) handleRemoteSteps(raw []byte) {
	msg, err := protocol.DecodeSteps(raw)
	if err != nil {
		c.log.Debug("client: bad steps batch", "err", err)
		return
	}
	if msg.ClientID == c.clientID || msg.RoomID != c.roomID {
		return
	}

	c.mu.Lock()
	for i, step := range msg.Steps {
		if err := c.doc.Apply(step); err != nil {
			c.log.Warn("client: skipping remote step",
				"from", msg.ClientID, "step", i, "err", err)
		}
	}
	c.version++
	cb := c.onSteps
	c.mu.Unlock()

	if cb != nil {
		cb(msg)
	}
}
