package bridge

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/manpreetbhatti/planroom/internal/metrics"
)

// Fallback publishes through a remote bridge and, when the remote publish
// fails, delivers the message to local subscribers instead. Subscriptions
// merge the local bus with the remote channel, so a room keeps receiving
// its own events whichever path carried them. A subscription whose remote
// side is not confirmed yet gets successful publishes handed over directly.
type Fallback struct {
	local    *Memory
	remote   Bridge
	logger   *slog.Logger
	metrics  *metrics.Metrics
	degraded atomic.Bool

	mu   sync.Mutex
	subs map[string]map[*mergedSub]struct{}

	// RetryMaxInterval caps the backoff between remote subscribe attempts.
	RetryMaxInterval time.Duration
}

// NewFallback wraps remote. A nil remote gives a purely local bridge.
func NewFallback(remote Bridge, logger *slog.Logger, m *metrics.Metrics) *Fallback {
	if m == nil {
		m = metrics.New()
	}
	return &Fallback{
		local:            NewMemory(),
		remote:           remote,
		logger:           logger,
		metrics:          m,
		subs:             make(map[string]map[*mergedSub]struct{}),
		RetryMaxInterval: 30 * time.Second,
	}
}

// Degraded reports whether the last remote publish failed.
func (f *Fallback) Degraded() bool {
	return f.degraded.Load()
}

func (f *Fallback) Publish(ctx context.Context, channel string, msg []byte) error {
	if f.remote == nil {
		return f.local.Publish(ctx, channel, msg)
	}

	err := f.remote.Publish(ctx, channel, msg)
	if err == nil {
		if f.degraded.CompareAndSwap(true, false) {
			f.logger.Info("fan-out bridge restored", "channel", channel)
		}
		return f.handOver(ctx, channel, msg)
	}

	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Warn("fan-out bridge unavailable, delivering to this process only",
			"channel", channel, "error", err)
	}
	f.metrics.BridgeFallbacks.Add(1)
	return f.local.Publish(ctx, channel, msg)
}

func (f *Fallback) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	localSub, err := f.local.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	m := &mergedSub{
		out:    make(chan []byte, memoryBuffer),
		direct: make(chan []byte, memoryBuffer),
		done:   subCtx.Done(),
		cancel: cancel,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer localSub.Close()
		m.pump(subCtx, localSub.Messages())
	}()

	if f.remote != nil {
		f.track(channel, m)
		m.wg.Add(2)
		go func() {
			defer m.wg.Done()
			m.pumpDirect(subCtx)
		}()
		go func() {
			defer m.wg.Done()
			f.runRemote(subCtx, channel, m)
		}()
	}

	go func() {
		m.wg.Wait()
		if f.remote != nil {
			f.untrack(channel, m)
		}
		close(m.out)
	}()
	return m, nil
}

func (f *Fallback) track(channel string, m *mergedSub) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[channel] == nil {
		f.subs[channel] = make(map[*mergedSub]struct{})
	}
	f.subs[channel][m] = struct{}{}
}

func (f *Fallback) untrack(channel string, m *mergedSub) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs[channel], m)
	if len(f.subs[channel]) == 0 {
		delete(f.subs, channel)
	}
}

// handOver gives msg to every local subscription on channel that would not
// see it through the remote backend.
func (f *Fallback) handOver(ctx context.Context, channel string, msg []byte) error {
	f.mu.Lock()
	targets := make([]*mergedSub, 0, len(f.subs[channel]))
	for m := range f.subs[channel] {
		targets = append(targets, m)
	}
	f.mu.Unlock()

	for _, m := range targets {
		if err := m.offer(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// runRemote subscribes to the remote channel, retrying with exponential
// backoff until it succeeds or ctx ends, then forwards its messages.
func (f *Fallback) runRemote(ctx context.Context, channel string, m *mergedSub) {
	for ctx.Err() == nil {
		var sub Subscription
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = 0
		eb.MaxInterval = f.RetryMaxInterval
		if eb.InitialInterval > eb.MaxInterval {
			eb.InitialInterval = eb.MaxInterval
		}

		err := backoff.RetryNotify(func() error {
			s, err := f.remote.Subscribe(ctx, channel)
			if err != nil {
				return err
			}
			sub = s
			return nil
		}, backoff.WithContext(eb, ctx), func(err error, wait time.Duration) {
			f.logger.Warn("remote subscribe failed, retrying",
				"channel", channel, "error", err, "retry_in", wait)
		})
		if err != nil {
			return
		}

		m.setRemoteReady(true)
		if !m.awaitDirect(ctx) {
			sub.Close()
			return
		}
		m.pumpRemote(ctx, sub.Messages())
		m.setRemoteReady(false)
		sub.Close()
		// pumpRemote returns when ctx ends or the remote stream closed; resubscribe
		// in the latter case.
	}
}

type mergedSub struct {
	out    chan []byte
	direct chan []byte
	done   <-chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	// mu guards remoteReady and handed against offer. handed keeps the
	// messages given over directly, in publish order, so the remote stream
	// can skip the ones it also carries. inflight counts handed-over
	// messages not yet forwarded to out.
	mu          sync.Mutex
	remoteReady bool
	handed      [][]byte
	inflight    atomic.Int64
}

func (m *mergedSub) setRemoteReady(ready bool) {
	m.mu.Lock()
	m.remoteReady = ready
	if !ready {
		m.handed = nil
	}
	m.mu.Unlock()
}

// claim reports whether msg was already handed over directly. Own messages
// reach the remote stream in publish order, so everything handed over
// before msg can no longer show up.
func (m *mergedSub) claim(msg []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, h := range m.handed {
		if bytes.Equal(h, msg) {
			m.handed = m.handed[i+1:]
			return true
		}
	}
	return false
}

// offer queues msg for direct delivery unless the remote subscription is
// confirmed.
func (m *mergedSub) offer(ctx context.Context, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remoteReady {
		return nil
	}
	if len(m.handed) == memoryBuffer {
		m.handed = m.handed[1:]
	}
	m.handed = append(m.handed, msg)
	m.inflight.Add(1)
	select {
	case m.direct <- msg:
		return nil
	case <-m.done:
		m.inflight.Add(-1)
		return nil
	case <-ctx.Done():
		m.inflight.Add(-1)
		return ctx.Err()
	}
}

func (m *mergedSub) pumpDirect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.direct:
			select {
			case m.out <- msg:
				m.inflight.Add(-1)
			case <-ctx.Done():
				return
			}
		}
	}
}

// awaitDirect waits until every handed-over message reached out, so remote
// messages published later cannot overtake them.
func (m *mergedSub) awaitDirect(ctx context.Context) bool {
	for m.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Millisecond):
		}
	}
	return true
}

func (m *mergedSub) pump(ctx context.Context, in <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case m.out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *mergedSub) pumpRemote(ctx context.Context, in <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if m.claim(msg) {
				continue
			}
			select {
			case m.out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *mergedSub) Messages() <-chan []byte { return m.out }

func (m *mergedSub) Close() error {
	m.once.Do(m.cancel)
	return nil
}

// Ping checks the remote backend. A purely local bridge is always healthy.
func (f *Fallback) Ping(ctx context.Context) error {
	if f.remote == nil {
		return f.local.Ping(ctx)
	}
	return f.remote.Ping(ctx)
}

// Remote reports whether a cross-process backend is configured.
func (f *Fallback) Remote() bool {
	return f.remote != nil
}

func (f *Fallback) Close() error {
	f.local.Close()
	if f.remote != nil {
		return f.remote.Close()
	}
	return nil
}
