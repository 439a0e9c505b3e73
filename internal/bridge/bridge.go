// Package bridge fans room-wide events out across server processes.
//
// A Bridge moves opaque byte messages on named channels. Memory keeps
// delivery inside one process; Redis and NATS span processes. Fallback
// wraps a remote backend and keeps local delivery working while the remote
// one is unreachable.
package bridge

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed bridge.
var ErrClosed = errors.New("bridge closed")

type Bridge interface {
	Publish(ctx context.Context, channel string, msg []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Subscription delivers messages for one channel in publish order. The
// Messages channel may stay open after Close; consumers stop on ctx or Close.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

const memoryBuffer = 1024

// Memory is an in-process bridge. Publish blocks while a subscriber's
// buffer is full, so messages are never dropped.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	bus     *Memory
	channel string
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
}

func (s *memorySub) Messages() <-chan []byte { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.remove(s)
	})
	return nil
}

func (m *Memory) remove(s *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subs[s.channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(m.subs, s.channel)
		}
	}
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s := &memorySub{
		bus:     m,
		channel: channel,
		ch:      make(chan []byte, memoryBuffer),
		done:    make(chan struct{}),
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySub]struct{})
	}
	m.subs[channel][s] = struct{}{}
	return s, nil
}

func (m *Memory) Publish(ctx context.Context, channel string, msg []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySub, 0, len(m.subs[channel]))
	for s := range m.subs[channel] {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// subscribers reports how many subscriptions exist on channel.
func (m *Memory) subscribers(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[channel])
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*memorySub
	for _, subs := range m.subs {
		for s := range subs {
			all = append(all, s)
		}
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	return nil
}
