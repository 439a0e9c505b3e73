package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/planroom/internal/layout"
)

func TestParseOp(t *testing.T) {
	in, err := Parse([]byte(`{"type":"op","op":{"kind":"room:add","room":{"name":"Living Room","x":0,"y":0}}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeOp, in.Type)

	op, err := layout.DecodeOperation(in.Op)
	require.NoError(t, err)
	assert.Equal(t, layout.KindAddRoom, op.Kind())
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestEncodeShapes(t *testing.T) {
	tests := []struct {
		name string
		msg  any
		keys []string
	}{
		{"ack", NewAck("op-1"), []string{"type", "opId", "status", "ts"}},
		{"save ack", NewSaveAck(), []string{"type", "what", "ts"}},
		{"snapshot", NewSnapshot(layout.New(), nil), []string{"type", "layout", "presence", "ts"}},
		{"joined", NewJoined("u1", "Ada"), []string{"type", "userId", "displayName", "ts"}},
		{"undo", NewUndo("op-1", "u1", layout.New()), []string{"type", "opId", "from", "layout", "ts"}},
		{"error", NewError("Nothing to undo"), []string{"type", "msg"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got map[string]any
			require.NoError(t, json.Unmarshal(Encode(tt.msg), &got))
			for _, k := range tt.keys {
				assert.Contains(t, got, k)
			}
			assert.Len(t, got, len(tt.keys))
		})
	}
}
