package layout

import (
	"encoding/json"
	"fmt"
)

// Entry is one room of a floorplan. The "name" field is the identity key used by
// add, update and remove; every other field (size, x, y, ...) is carried as-is.
type Entry map[string]any

// Name returns the entry's identity key, or "" when missing.
func (e Entry) Name() string {
	name, _ := e["name"].(string)
	return name
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	if e == nil {
		return nil
	}
	out := make(Entry, len(e))
	for k, v := range e {
		out[k] = cloneValue(v)
	}
	return out
}

// merged returns a copy of e with fields laid over it. Fields absent from
// fields keep their previous value.
func (e Entry) merged(fields Entry) Entry {
	out := e.Clone()
	if out == nil {
		out = make(Entry, len(fields))
	}
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

// Layout is the shared document: an ordered list of room entries plus opaque metadata.
type Layout struct {
	Rooms []Entry        `json:"rooms"`
	Meta  map[string]any `json:"meta"`
}

// New returns an empty layout.
func New() Layout {
	return Layout{Rooms: []Entry{}, Meta: map[string]any{}}
}

// Clone returns a deep copy, normalising nil collections to empty ones.
func (l Layout) Clone() Layout {
	out := Layout{
		Rooms: make([]Entry, 0, len(l.Rooms)),
		Meta:  make(map[string]any, len(l.Meta)),
	}
	for _, e := range l.Rooms {
		out.Rooms = append(out.Rooms, e.Clone())
	}
	for k, v := range l.Meta {
		out.Meta[k] = cloneValue(v)
	}
	return out
}

// Find returns the first entry with the given name.
func (l Layout) Find(name string) (Entry, bool) {
	for _, e := range l.Rooms {
		if e.Name() == name {
			return e, true
		}
	}
	return nil, false
}

// Apply mutates the layout with op. Callers serialise access.
func (l *Layout) Apply(op Operation) {
	if l.Rooms == nil {
		l.Rooms = []Entry{}
	}
	if l.Meta == nil {
		l.Meta = map[string]any{}
	}
	op.apply(l)
}

// Rebuild replays records from an empty set of entries. Meta is carried over
// because no operation touches it.
func Rebuild(meta map[string]any, records []OperationRecord) Layout {
	out := New()
	for k, v := range meta {
		out.Meta[k] = cloneValue(v)
	}
	for _, rec := range records {
		out.Apply(rec.Op)
	}
	return out
}

// Decode parses a stored layout. Empty input yields an empty layout.
func Decode(data []byte) (Layout, error) {
	if len(data) == 0 {
		return New(), nil
	}
	var l Layout
	if err := json.Unmarshal(data, &l); err != nil {
		return Layout{}, fmt.Errorf("decode layout: %w", err)
	}
	return l.Clone(), nil
}

// Encode serialises a layout for storage or the wire.
func Encode(l Layout) ([]byte, error) {
	return json.Marshal(l.Clone())
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case Entry:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}
