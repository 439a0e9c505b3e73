package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS fans out over core NATS subjects. Channel names such as
// "project:p1" map to the subject "project.p1".
type NATS struct {
	conn   *nats.Conn
	logger *slog.Logger
}

func NewNATS(url string, logger *slog.Logger) (*NATS, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("planroom"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{conn: conn, logger: logger}, nil
}

func subject(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

func (n *NATS) Publish(ctx context.Context, channel string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.conn.IsConnected() {
		return nats.ErrConnectionClosed
	}
	return n.conn.Publish(subject(channel), msg)
}

func (n *NATS) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	s := &natsSub{out: make(chan []byte, memoryBuffer), done: make(chan struct{})}
	sub, err := n.conn.Subscribe(subject(channel), func(m *nats.Msg) {
		select {
		case s.out <- m.Data:
		case <-s.done:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	if err := n.flush(ctx); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	s.sub = sub
	return s, nil
}

func (n *NATS) Ping(ctx context.Context) error {
	if !n.conn.IsConnected() {
		return errors.New("nats not connected")
	}
	return n.flush(ctx)
}

// flush round-trips to the server. FlushWithContext insists on a deadline.
func (n *NATS) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return n.conn.FlushWithContext(ctx)
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}

type natsSub struct {
	sub  *nats.Subscription
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *natsSub) Messages() <-chan []byte { return s.out }

func (s *natsSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Unsubscribe()
	})
	return err
}
