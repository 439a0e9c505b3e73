package ws

import (
	"context"
	"errors"
	"time"

	"github.com/manpreetbhatti/planroom/internal/apperr"
	"github.com/manpreetbhatti/planroom/internal/layout"
	"github.com/manpreetbhatti/planroom/internal/protocol"
)

type handlerFunc func(ctx context.Context, in protocol.Inbound)

func (s *Session) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.TypePong:         s.onPong,
		protocol.TypePing:         s.onPing,
		protocol.TypePresence:     s.onPresence,
		protocol.TypeJoin:         s.onPresence,
		protocol.TypeCursorUpdate: s.onCursor,
		protocol.TypeOp:           s.onOp,
		protocol.TypeUndoRequest:  s.onUndo,
		protocol.TypeRedoRequest:  s.onRedo,
		protocol.TypeSave:         s.onSave,
	}
}

func (s *Session) handle(ctx context.Context, in protocol.Inbound) {
	fn, ok := s.dispatch[in.Type]
	if !ok {
		s.sendError("unknown type " + in.Type)
		return
	}
	fn(ctx, in)
}

func (s *Session) onPong(ctx context.Context, in protocol.Inbound) {
	s.lastPong.Store(time.Now().UnixNano())
}

func (s *Session) onPing(ctx context.Context, in protocol.Inbound) {
	s.room.Touch(s.ID())
	s.sendMsg(protocol.NewPong())
}

func (s *Session) onPresence(ctx context.Context, in protocol.Inbound) {
	if len(in.Meta) == 0 {
		s.room.Touch(s.ID())
		return
	}
	s.room.UpdatePresence(s.ID(), in.Meta)
}

func (s *Session) onCursor(ctx context.Context, in protocol.Inbound) {
	if len(in.Cursor) == 0 {
		s.room.Touch(s.ID())
		return
	}
	s.room.UpdateCursor(ctx, s.ID(), in.Cursor)
}

// onOp applies the operation and acknowledges it straight to this
// connection. Everyone, including this connection, sees it again in the
// next batch.
func (s *Session) onOp(ctx context.Context, in protocol.Inbound) {
	op, err := layout.DecodeOperation(in.Op)
	if err != nil {
		switch {
		case errors.Is(err, layout.ErrUnknownKind):
			s.sendError(apperr.ErrUnknownOpKind.Message)
		default:
			s.sendError(err.Error())
		}
		return
	}

	rec, err := s.room.Apply(ctx, s.ID(), in.OpID, op)
	if err != nil {
		s.sendError(apperr.MessageOf(err))
		return
	}
	s.logger.Debug("op applied", "op_id", rec.OpID, "kind", op.Kind())
	s.sendMsg(protocol.NewAck(rec.OpID))
}

func (s *Session) onUndo(ctx context.Context, in protocol.Inbound) {
	rec, _, err := s.room.Undo(ctx, s.ID())
	if err != nil {
		s.sendError(apperr.MessageOf(err))
		return
	}
	s.logger.Info("undo", "op_id", rec.OpID)
}

func (s *Session) onRedo(ctx context.Context, in protocol.Inbound) {
	rec, _, err := s.room.Redo(ctx, s.ID())
	if err != nil {
		s.sendError(apperr.MessageOf(err))
		return
	}
	s.logger.Info("redo", "op_id", rec.OpID)
}

func (s *Session) onSave(ctx context.Context, in protocol.Inbound) {
	if err := s.room.Save(ctx); err != nil {
		s.logger.Error("save failed", "error", err)
		cause := err
		var appErr *apperr.AppError
		if errors.As(err, &appErr) && appErr.Err != nil {
			cause = appErr.Err
		}
		s.sendError("save failed: " + cause.Error())
		return
	}
	s.sendMsg(protocol.NewSaveAck())
}
