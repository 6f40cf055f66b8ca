// Package protocol defines the JSON message envelope spoken between the
// relay server and its clients. Every message is a JSON object carrying a
// "type" discriminator; the remaining fields depend on the type.
//
// Message flow:
//
//	join     client -> server   register the session in a room
//	init     server -> client   full-state reply to a join
//	steps    client -> server   operation batch; relayed to the other sessions
//	presence client -> server   one record; server broadcasts the full set
//	title    client -> server   title change; relayed to the other sessions
//
// The document ("doc") and the individual steps are opaque JSON values: the
// relay stores and forwards them without interpreting their structure.
package protocol

import (
	"encoding/json"
	"errors"
)

const (
	TypeJoin     = "join"
	TypeInit     = "init"
	TypeSteps    = "steps"
	TypePresence = "presence"
	TypeTitle    = "title"
)

var (
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing required field")
)

// EmptyDoc is the snapshot a room reports before any batch was accepted.
var EmptyDoc = json.RawMessage(`{"type":"doc","content":[]}`)

// DefaultTitle is the title of a room nobody has renamed yet.
const DefaultTitle = "Untitled Document"

// Selection is a cursor range inside the document. A caret is anchor == head.
type Selection struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// PresenceRecord is one participant's live identity and cursor. A nil
// Selection signals departure: the server drops the record instead of
// storing it. LastSeen is unix milliseconds and is refreshed by the server
// on every upsert.
type PresenceRecord struct {
	ClientID  string     `json:"clientID"`
	Name      string     `json:"name"`
	Color     string     `json:"color"`
	Selection *Selection `json:"selection"`
	LastSeen  int64      `json:"lastSeen"`
}

type Join struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type Init struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId"`
	Doc     json.RawMessage `json:"doc"`
	Version int64           `json:"version"`
	Title   string          `json:"title"`
}

// Steps is an operation batch: the ordered steps one client produced since
// its last flush, together with the document snapshot that resulted from
// applying them locally. The server relays the batch verbatim.
type Steps struct {
	Type     string            `json:"type"`
	RoomID   string            `json:"roomId"`
	ClientID string            `json:"clientID"`
	Doc      json.RawMessage   `json:"doc"`
	Steps    []json.RawMessage `json:"steps"`
}

// PresenceUpdate is the client->server form: a single record.
type PresenceUpdate struct {
	Type    string         `json:"type"`
	RoomID  string         `json:"roomId"`
	Payload PresenceRecord `json:"payload"`
}

// PresenceBroadcast is the server->client form: the full set of active
// records for the room, never a diff.
type PresenceBroadcast struct {
	Type    string           `json:"type"`
	Payload []PresenceRecord `json:"payload"`
}

type Title struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientID"`
	Title    string `json:"title"`
}

type envelope struct {
	Type string `json:"type"`
}

// PeekType extracts the type discriminator without decoding the rest of the
// message. Returns ErrUnknownType for types the protocol does not recognize.
func PeekType(buf []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return "", err
	}
	switch env.Type {
	case TypeJoin, TypeInit, TypeSteps, TypePresence, TypeTitle:
		return env.Type, nil
	}
	return env.Type, ErrUnknownType
}

func DecodeJoin(buf []byte) (*Join, error) {
	var msg Join
	if err := json.Unmarshal(buf, &msg); err != nil {
		return nil, err
	}
	if msg.RoomID == "" {
		return nil, ErrMissingField
	}
	return &msg, nil
}

func DecodeInit(buf []byte) (*Init, error) {
	var msg Init
	if err := json.Unmarshal(buf, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func DecodeSteps(buf []byte) (*Steps, error) {
	var msg Steps
	if err := json.Unmarshal(buf, &msg); err != nil {
		return nil, err
	}
	if msg.RoomID == "" || msg.ClientID == "" {
		return nil, ErrMissingField
	}
	return &msg, nil
}

func DecodePresenceUpdate(buf []byte) (*PresenceUpdate, error) {
	var msg PresenceUpdate
	if err := json.Unmarshal(buf, &msg); err != nil {
		return nil, err
	}
	if msg.Payload.ClientID == "" {
		return nil, ErrMissingField
	}
	return &msg, nil
}

func DecodePresenceBroadcast(buf []byte) (*PresenceBroadcast, error) {
	var msg PresenceBroadcast
	if err := json.Unmarshal(buf, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func DecodeTitle(buf []byte) (*Title, error) {
	var msg Title
	if err := json.Unmarshal(buf, &msg); err != nil {
		return nil, err
	}
	if msg.RoomID == "" {
		return nil, ErrMissingField
	}
	return &msg, nil
}

// Encode marshals any protocol message. It exists so call sites read
// uniformly; the argument must carry its Type field already set.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
