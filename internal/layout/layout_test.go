package layout

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id string, op Operation) OperationRecord {
	return OperationRecord{OpID: id, Actor: "tester", Timestamp: time.Now().UTC(), Op: op}
}

func TestAddRoomSkipsDuplicateName(t *testing.T) {
	l := New()
	l.Apply(AddRoom{Room: Entry{"name": "Kitchen", "x": 1.0, "y": 2.0}})
	before := l.Clone()

	l.Apply(AddRoom{Room: Entry{"name": "Kitchen", "x": 9.0}})

	assert.Equal(t, before, l)
	assert.Len(t, l.Rooms, 1)
}

func TestRemoveRoomDeletesAllMatches(t *testing.T) {
	l := Layout{Rooms: []Entry{
		{"name": "Bath"},
		{"name": "Hall"},
		{"name": "Bath", "x": 3.0},
	}}

	l.Apply(RemoveRoom{Name: "Bath"})

	require.Len(t, l.Rooms, 1)
	assert.Equal(t, "Hall", l.Rooms[0].Name())
}

func TestUpdateRoomMergesFields(t *testing.T) {
	l := New()
	l.Apply(AddRoom{Room: Entry{"name": "Office", "x": 0.0, "y": 0.0, "size": "3x4"}})

	l.Apply(UpdateRoom{Name: "Office", Fields: Entry{"x": 5.0}})

	room, ok := l.Find("Office")
	require.True(t, ok)
	assert.Equal(t, 5.0, room["x"])
	assert.Equal(t, 0.0, room["y"])
	assert.Equal(t, "3x4", room["size"])
}

func TestUpdateRoomFallsBackToAdd(t *testing.T) {
	l := New()
	fields := Entry{"name": "Garage", "x": 10.0, "y": 4.0}

	l.Apply(UpdateRoom{Name: "Garage", Fields: fields})

	require.Len(t, l.Rooms, 1)
	assert.Equal(t, fields, l.Rooms[0])
}

func TestUpdateRoomFallbackSetsName(t *testing.T) {
	l := New()
	l.Apply(UpdateRoom{Name: "Loft", Fields: Entry{"x": 1.0}})

	room, ok := l.Find("Loft")
	require.True(t, ok)
	assert.Equal(t, 1.0, room["x"])
}

func TestCloneIsIndependent(t *testing.T) {
	l := New()
	l.Apply(AddRoom{Room: Entry{"name": "Den"}})

	out := l.Clone()
	out.Apply(RemoveRoom{Name: "Den"})

	assert.Len(t, l.Rooms, 1)
	assert.Empty(t, out.Rooms)
}

func TestRebuildAfterUndoingEveryAdd(t *testing.T) {
	const n = 12
	var stack []OperationRecord
	l := New()
	for i := 0; i < n; i++ {
		rec := record(fmt.Sprintf("op-%d", i), AddRoom{Room: Entry{"name": fmt.Sprintf("room-%d", i)}})
		l.Apply(rec.Op)
		stack = append(stack, rec)
	}
	require.Len(t, l.Rooms, n)

	for len(stack) > 0 {
		stack = stack[:len(stack)-1]
		l = Rebuild(l.Meta, stack)
	}

	assert.Empty(t, l.Rooms)
}

func TestRebuildKeepsMeta(t *testing.T) {
	meta := map[string]any{"title": "Cottage"}
	recs := []OperationRecord{record("a", AddRoom{Room: Entry{"name": "Porch"}})}

	l := Rebuild(meta, recs)

	assert.Equal(t, "Cottage", l.Meta["title"])
	assert.Len(t, l.Rooms, 1)
}

func TestDecodeOperation(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Operation
		wantErr error
	}{
		{
			name:    "add",
			payload: `{"kind":"room:add","room":{"name":"Living Room","x":0,"y":0}}`,
			want:    AddRoom{Room: Entry{"name": "Living Room", "x": 0.0, "y": 0.0}},
		},
		{
			name:    "remove by name",
			payload: `{"kind":"room:remove","name":"Attic"}`,
			want:    RemoveRoom{Name: "Attic"},
		},
		{
			name:    "update with name inside room",
			payload: `{"kind":"room:update","room":{"name":"Attic","x":2}}`,
			want:    UpdateRoom{Name: "Attic", Fields: Entry{"name": "Attic", "x": 2.0}},
		},
		{
			name:    "unknown kind",
			payload: `{"kind":"room:move","roomId":"x"}`,
			wantErr: ErrUnknownKind,
		},
		{
			name:    "add without name",
			payload: `{"kind":"room:add","room":{"x":1}}`,
			wantErr: ErrInvalidOp,
		},
		{
			name:    "non numeric coordinate",
			payload: `{"kind":"room:add","room":{"name":"A","x":"left"}}`,
			wantErr: ErrInvalidOp,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := DecodeOperation([]byte(tt.payload))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, op)
		})
	}
}

func TestOperationRecordJSON(t *testing.T) {
	rec := record("op-1", UpdateRoom{Name: "Hall", Fields: Entry{"y": 3.0}})

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "op-1", wire["opId"])
	assert.Equal(t, "tester", wire["actor"])
	op := wire["op"].(map[string]any)
	assert.Equal(t, "room:update", op["kind"])
	assert.Equal(t, "Hall", op["name"])

	var back OperationRecord
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rec.Op, back.Op)
}

func TestDiff(t *testing.T) {
	from := Layout{Rooms: []Entry{
		{"name": "A", "x": 0.0},
		{"name": "B", "x": 0.0},
		{"name": "C", "x": 0.0},
	}}
	to := Layout{Rooms: []Entry{
		{"name": "A", "x": 0.0},
		{"name": "C", "x": 7.0},
		{"name": "D", "x": 1.0},
	}}

	diff := Diff(from, to)

	got := make(map[string]string, len(diff))
	for _, d := range diff {
		got[d.Name] = d.Type
	}
	assert.Equal(t, map[string]string{
		"A": "unchanged",
		"B": "removed",
		"C": "changed",
		"D": "added",
	}, got)
}
