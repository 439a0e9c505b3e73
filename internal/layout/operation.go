package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind discriminates the operation variants on the wire.
type Kind string

const (
	KindAddRoom    Kind = "room:add"
	KindRemoveRoom Kind = "room:remove"
	KindUpdateRoom Kind = "room:update"
)

var (
	ErrUnknownKind = errors.New("unknown operation kind")
	ErrInvalidOp   = errors.New("invalid operation")
)

// Operation is a closed set of edit intents. Only the types in this package implement it.
type Operation interface {
	Kind() Kind
	Validate() error
	apply(l *Layout)
}

// AddRoom inserts an entry unless one with the same name already exists.
type AddRoom struct {
	Room Entry
}

func (AddRoom) Kind() Kind { return KindAddRoom }

func (op AddRoom) Validate() error {
	if op.Room == nil {
		return fmt.Errorf("%w: room:add requires a room", ErrInvalidOp)
	}
	if op.Room.Name() == "" {
		return fmt.Errorf("%w: room:add requires room.name", ErrInvalidOp)
	}
	return validateCoords(op.Room)
}

func (op AddRoom) apply(l *Layout) {
	if _, exists := l.Find(op.Room.Name()); exists {
		return
	}
	l.Rooms = append(l.Rooms, op.Room.Clone())
}

// RemoveRoom deletes every entry with the given name.
type RemoveRoom struct {
	Name string
}

func (RemoveRoom) Kind() Kind { return KindRemoveRoom }

func (op RemoveRoom) Validate() error {
	if op.Name == "" {
		return fmt.Errorf("%w: room:remove requires name", ErrInvalidOp)
	}
	return nil
}

func (op RemoveRoom) apply(l *Layout) {
	kept := l.Rooms[:0:0]
	for _, e := range l.Rooms {
		if e.Name() != op.Name {
			kept = append(kept, e)
		}
	}
	l.Rooms = kept
}

// UpdateRoom merges Fields onto the first entry named Name. When no entry
// matches, the fields are appended as a new entry.
type UpdateRoom struct {
	Name   string
	Fields Entry
}

func (UpdateRoom) Kind() Kind { return KindUpdateRoom }

func (op UpdateRoom) Validate() error {
	if op.Name == "" {
		return fmt.Errorf("%w: room:update requires name", ErrInvalidOp)
	}
	if len(op.Fields) == 0 {
		return fmt.Errorf("%w: room:update requires fields", ErrInvalidOp)
	}
	return validateCoords(op.Fields)
}

func (op UpdateRoom) apply(l *Layout) {
	for i, e := range l.Rooms {
		if e.Name() == op.Name {
			l.Rooms[i] = e.merged(op.Fields)
			return
		}
	}
	added := op.Fields.Clone()
	if added.Name() == "" {
		added["name"] = op.Name
	}
	l.Rooms = append(l.Rooms, added)
}

func validateCoords(e Entry) error {
	for _, key := range []string{"x", "y"} {
		v, ok := e[key]
		if !ok || v == nil {
			continue
		}
		switch v.(type) {
		case float64, int, int64, json.Number:
		default:
			return fmt.Errorf("%w: %s must be a number", ErrInvalidOp, key)
		}
	}
	return nil
}

// wireOp is the JSON shape shared by every variant.
type wireOp struct {
	Kind Kind   `json:"kind"`
	Room Entry  `json:"room,omitempty"`
	Name string `json:"name,omitempty"`
}

// DecodeOperation parses and validates an operation payload.
func DecodeOperation(data []byte) (Operation, error) {
	var w wireOp
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}
	var op Operation
	switch w.Kind {
	case KindAddRoom:
		op = AddRoom{Room: w.Room}
	case KindRemoveRoom:
		name := w.Name
		if name == "" {
			name = w.Room.Name()
		}
		op = RemoveRoom{Name: name}
	case KindUpdateRoom:
		name := w.Name
		if name == "" {
			name = w.Room.Name()
		}
		op = UpdateRoom{Name: name, Fields: w.Room}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, w.Kind)
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return op, nil
}

// EncodeOperation produces the wire form accepted by DecodeOperation.
func EncodeOperation(op Operation) ([]byte, error) {
	switch o := op.(type) {
	case AddRoom:
		return json.Marshal(wireOp{Kind: KindAddRoom, Room: o.Room})
	case RemoveRoom:
		return json.Marshal(wireOp{Kind: KindRemoveRoom, Name: o.Name})
	case UpdateRoom:
		return json.Marshal(wireOp{Kind: KindUpdateRoom, Name: o.Name, Room: o.Fields})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, op)
	}
}

// OperationRecord is an operation tagged with its id, actor and time. It is
// the unit of logging, undo/redo and broadcast and is never mutated.
type OperationRecord struct {
	OpID      string
	Actor     string
	Timestamp time.Time
	Op        Operation
}

type wireRecord struct {
	OpID      string          `json:"opId"`
	Actor     string          `json:"actor"`
	Timestamp time.Time       `json:"ts"`
	Op        json.RawMessage `json:"op"`
}

func (r OperationRecord) MarshalJSON() ([]byte, error) {
	op, err := EncodeOperation(r.Op)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireRecord{OpID: r.OpID, Actor: r.Actor, Timestamp: r.Timestamp, Op: op})
}

func (r *OperationRecord) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	op, err := DecodeOperation(w.Op)
	if err != nil {
		return err
	}
	*r = OperationRecord{OpID: w.OpID, Actor: w.Actor, Timestamp: w.Timestamp, Op: op}
	return nil
}
