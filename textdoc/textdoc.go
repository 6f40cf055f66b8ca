// Package textdoc is a minimal concrete document for the relay's opaque
// doc/step slots: a flat character sequence edited by indexed insert and
// delete steps. The terminal client and the end-to-end tests use it; the
// relay itself never looks inside.
package textdoc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	ActionInsert = "insert"
	ActionDelete = "delete"
)

var ErrBadIndex = errors.New("step index out of range")

// Step is one atomic edit: insert Char at Index, or delete the character
// at Index. Index is interpreted against the state all previous steps of
// the batch have already produced.
type Step struct {
	Action string `json:"action"`
	Char   string `json:"char,omitempty"`
	Index  int    `json:"index"`
}

type snapshot struct {
	Type    string   `json:"type"`
	Content []string `json:"content"`
}

// Doc is a character sequence. Not safe for concurrent use; the client
// package serializes access.
type Doc struct {
	content []string
}

func New() *Doc {
	return &Doc{}
}

func (d *Doc) Apply(raw json.RawMessage) error {
	var step Step
	if err := json.Unmarshal(raw, &step); err != nil {
		return err
	}
	switch step.Action {
	case ActionInsert:
		if step.Index < 0 || step.Index > len(d.content) {
			return fmt.Errorf("%w: insert at %d, len %d", ErrBadIndex, step.Index, len(d.content))
		}
		d.content = append(d.content[:step.Index],
			append([]string{step.Char}, d.content[step.Index:]...)...)
	case ActionDelete:
		if step.Index < 0 || step.Index >= len(d.content) {
			return fmt.Errorf("%w: delete at %d, len %d", ErrBadIndex, step.Index, len(d.content))
		}
		d.content = append(d.content[:step.Index], d.content[step.Index+1:]...)
	default:
		return fmt.Errorf("unknown step action %q", step.Action)
	}
	return nil
}

func (d *Doc) Snapshot() json.RawMessage {
	content := d.content
	if content == nil {
		content = []string{}
	}
	buf, _ := json.Marshal(&snapshot{Type: "doc", Content: content})
	return buf
}

func (d *Doc) Restore(raw json.RawMessage) error {
	var sn snapshot
	if err := json.Unmarshal(raw, &sn); err != nil {
		return err
	}
	d.content = sn.Content
	return nil
}

func (d *Doc) Len() int {
	return len(d.content)
}

func (d *Doc) Text() string {
	return strings.Join(d.content, "")
}

// InsertSteps builds one insert step per rune of text, with indices that
// account for the preceding inserts of the same batch.
func InsertSteps(index int, text string) []json.RawMessage {
	var steps []json.RawMessage
	for i, r := range []rune(text) {
		buf, _ := json.Marshal(&Step{Action: ActionInsert, Char: string(r), Index: index + i})
		steps = append(steps, buf)
	}
	return steps
}

// DeleteSteps builds n delete steps at a fixed index, which removes n
// consecutive characters.
func DeleteSteps(index, n int) []json.RawMessage {
	var steps []json.RawMessage
	for i := 0; i < n; i++ {
		buf, _ := json.Marshal(&Step{Action: ActionDelete, Index: index})
		steps = append(steps, buf)
	}
	return steps
}
