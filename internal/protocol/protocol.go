// Package protocol defines the JSON messages exchanged with collaboration
// clients over the websocket.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/manpreetbhatti/planroom/internal/layout"
)

// Inbound message types.
const (
	TypePing         = "ping"
	TypePong         = "pong"
	TypePresence     = "presence"
	TypeCursorUpdate = "cursor_update"
	TypeOp           = "op"
	TypeUndoRequest  = "undo_request"
	TypeRedoRequest  = "redo_request"
	TypeSave         = "save"
	TypeJoin         = "join"
)

// Outbound message types.
const (
	TypeSnapshot        = "snapshot"
	TypeAck             = "ack"
	TypeOpsBatch        = "ops_batch"
	TypeJoined          = "joined"
	TypeLeft            = "left"
	TypeCursorBroadcast = "cursor_broadcast"
	TypeUndo            = "undo"
	TypeRedo            = "redo"
	TypeError           = "error"
	TypeAutosaveConfirm = "autosave_confirm"
)

// Inbound is the union of every client message. Fields not used by Type are empty.
type Inbound struct {
	Type   string          `json:"type"`
	OpID   string          `json:"opId,omitempty"`
	Op     json.RawMessage `json:"op,omitempty"`
	Cursor json.RawMessage `json:"cursor,omitempty"`
	Meta   map[string]any  `json:"meta,omitempty"`
}

// Parse decodes an inbound frame. Callers drop frames that fail to parse.
func Parse(data []byte) (Inbound, error) {
	var in Inbound
	err := json.Unmarshal(data, &in)
	return in, err
}

// Presence is the public view of one participant.
type Presence struct {
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName"`
	JoinedAt    time.Time       `json:"joinedAt"`
	LastSeen    time.Time       `json:"lastSeen"`
	Cursor      json.RawMessage `json:"cursor,omitempty"`
	Meta        map[string]any  `json:"meta,omitempty"`
}

type Snapshot struct {
	Type     string        `json:"type"`
	Layout   layout.Layout `json:"layout"`
	Presence []Presence    `json:"presence"`
	TS       time.Time     `json:"ts"`
}

type Ack struct {
	Type   string    `json:"type"`
	OpID   string    `json:"opId,omitempty"`
	Status string    `json:"status,omitempty"`
	What   string    `json:"what,omitempty"`
	TS     time.Time `json:"ts"`
}

type OpsBatch struct {
	Type string                   `json:"type"`
	Ops  []layout.OperationRecord `json:"ops"`
	TS   time.Time                `json:"ts"`
}

type Membership struct {
	Type        string    `json:"type"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	TS          time.Time `json:"ts"`
}

type CursorBroadcast struct {
	Type   string          `json:"type"`
	UserID string          `json:"userId"`
	Cursor json.RawMessage `json:"cursor"`
	TS     time.Time       `json:"ts"`
}

// History announces an undo or redo together with the resulting layout.
type History struct {
	Type   string         `json:"type"`
	OpID   string         `json:"opId"`
	From   string         `json:"from"`
	Layout *layout.Layout `json:"layout,omitempty"`
	TS     time.Time      `json:"ts"`
}

type Error struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

type Beat struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`
}

func now() time.Time { return time.Now().UTC() }

func NewSnapshot(l layout.Layout, presence []Presence) Snapshot {
	if presence == nil {
		presence = []Presence{}
	}
	return Snapshot{Type: TypeSnapshot, Layout: l, Presence: presence, TS: now()}
}

func NewAck(opID string) Ack {
	return Ack{Type: TypeAck, OpID: opID, Status: "persisted", TS: now()}
}

func NewSaveAck() Ack {
	return Ack{Type: TypeAck, What: "save", TS: now()}
}

func NewOpsBatch(ops []layout.OperationRecord) OpsBatch {
	return OpsBatch{Type: TypeOpsBatch, Ops: ops, TS: now()}
}

func NewJoined(userID, displayName string) Membership {
	return Membership{Type: TypeJoined, UserID: userID, DisplayName: displayName, TS: now()}
}

func NewLeft(userID, displayName string) Membership {
	return Membership{Type: TypeLeft, UserID: userID, DisplayName: displayName, TS: now()}
}

func NewCursorBroadcast(userID string, cursor json.RawMessage) CursorBroadcast {
	return CursorBroadcast{Type: TypeCursorBroadcast, UserID: userID, Cursor: cursor, TS: now()}
}

func NewUndo(opID, from string, l layout.Layout) History {
	return History{Type: TypeUndo, OpID: opID, From: from, Layout: &l, TS: now()}
}

func NewRedo(opID, from string, l layout.Layout) History {
	return History{Type: TypeRedo, OpID: opID, From: from, Layout: &l, TS: now()}
}

func NewError(msg string) Error {
	return Error{Type: TypeError, Msg: msg}
}

func NewPing() Beat { return Beat{Type: TypePing, TS: now()} }

func NewPong() Beat { return Beat{Type: TypePong, TS: now()} }

func NewAutosaveConfirm() Beat { return Beat{Type: TypeAutosaveConfirm, TS: now()} }

// Encode marshals an outbound message. Every message type above contains
// only JSON-safe values, so an error here means a programming mistake and
// is reported to the client as a generic error frame.
func Encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(NewError("internal encoding error"))
	}
	return data
}
