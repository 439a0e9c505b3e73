package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis fans out through Redis PUBLISH/SUBSCRIBE. go-redis reconnects and
// resubscribes on its own after a broker restart.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// URL, when set, takes precedence over the fields above.
	URL string
}

func NewRedis(opts RedisOptions, logger *slog.Logger) (*Redis, error) {
	var ropts *redis.Options
	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		ropts = parsed
	} else {
		ropts = &redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}
	}
	return &Redis{client: redis.NewClient(ropts), logger: logger}, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, msg []byte) error {
	return r.client.Publish(ctx, channel, msg).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	// Receive blocks until the subscription is confirmed by the server.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &redisSub{ps: ps, out: make(chan []byte, memoryBuffer), done: make(chan struct{})}
	go sub.forward()
	return sub, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSub) forward() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSub) Messages() <-chan []byte { return s.out }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
