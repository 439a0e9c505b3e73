// Package oplog models the per-project operation journal. Every accepted
// operation, undo, redo and rollback is appended as an Entry; folding the
// journal yields the effective undo stack after a restart.
package oplog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/manpreetbhatti/planroom/internal/layout"
)

type Action string

const (
	ActionApply Action = "apply"
	ActionUndo  Action = "undo"
	ActionRedo  Action = "redo"
	ActionReset Action = "reset"
)

// Entry is one journal line. Record is zero for ActionReset.
type Entry struct {
	Seq       int64                  `json:"seq"`
	ProjectID string                 `json:"projectId"`
	Action    Action                 `json:"action"`
	Record    layout.OperationRecord `json:"record"`
	Timestamp time.Time              `json:"ts"`
}

type wireEntry struct {
	Seq       int64           `json:"seq"`
	ProjectID string          `json:"projectId"`
	Action    Action          `json:"action"`
	Record    json.RawMessage `json:"record,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	w := wireEntry{Seq: e.Seq, ProjectID: e.ProjectID, Action: e.Action, Timestamp: e.Timestamp}
	if e.Record.Op != nil {
		rec, err := json.Marshal(e.Record)
		if err != nil {
			return nil, err
		}
		w.Record = rec
	}
	return json.Marshal(w)
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Entry{Seq: w.Seq, ProjectID: w.ProjectID, Action: w.Action, Timestamp: w.Timestamp}
	if len(w.Record) > 0 && string(w.Record) != "null" {
		if err := json.Unmarshal(w.Record, &e.Record); err != nil {
			return fmt.Errorf("journal entry %d: %w", w.Seq, err)
		}
	}
	return nil
}

// Apply, Undo, Redo and Reset build entries for the given record.
func Apply(projectID string, rec layout.OperationRecord) Entry {
	return Entry{ProjectID: projectID, Action: ActionApply, Record: rec, Timestamp: time.Now().UTC()}
}

func Undo(projectID string, rec layout.OperationRecord) Entry {
	return Entry{ProjectID: projectID, Action: ActionUndo, Record: rec, Timestamp: time.Now().UTC()}
}

func Redo(projectID string, rec layout.OperationRecord) Entry {
	return Entry{ProjectID: projectID, Action: ActionRedo, Record: rec, Timestamp: time.Now().UTC()}
}

func Reset(projectID string) Entry {
	return Entry{ProjectID: projectID, Action: ActionReset, Timestamp: time.Now().UTC()}
}

// Stacks is the result of folding a journal.
type Stacks struct {
	Undo []layout.OperationRecord
	Redo []layout.OperationRecord
}

// Fold replays journal entries in order. Undo and redo entries whose
// opId does not match the top of the relevant stack are ignored so a torn
// journal never corrupts the result.
func Fold(entries []Entry) Stacks {
	var s Stacks
	for _, e := range entries {
		switch e.Action {
		case ActionApply:
			s.Undo = append(s.Undo, e.Record)
			s.Redo = nil
		case ActionUndo:
			if n := len(s.Undo); n > 0 && s.Undo[n-1].OpID == e.Record.OpID {
				s.Redo = append(s.Redo, s.Undo[n-1])
				s.Undo = s.Undo[:n-1]
			}
		case ActionRedo:
			if n := len(s.Redo); n > 0 && s.Redo[n-1].OpID == e.Record.OpID {
				s.Undo = append(s.Undo, s.Redo[n-1])
				s.Redo = s.Redo[:n-1]
			}
		case ActionReset:
			s.Undo = nil
			s.Redo = nil
		}
	}
	return s
}

// Compact rewrites a journal as the minimal sequence of apply entries that
// folds to the same undo stack. The redo side is dropped.
func Compact(projectID string, entries []Entry) []Entry {
	stacks := Fold(entries)
	out := make([]Entry, 0, len(stacks.Undo))
	for _, rec := range stacks.Undo {
		out = append(out, Entry{
			ProjectID: projectID,
			Action:    ActionApply,
			Record:    rec,
			Timestamp: rec.Timestamp,
		})
	}
	return out
}
