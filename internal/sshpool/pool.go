// Package sshpool maintains a warm reserve of upstream SSH connections and
// hands them out to proxy handlers one at a time. Once an entry is borrowed
// it never returns to the reserve; the pool's job is only to keep the
// reserve topped up to its configured size.
package sshpool

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/snawoot/rsp-go/internal/adapters/realclock"
	"github.com/snawoot/rsp-go/internal/adapters/realsshdialer"
	"github.com/snawoot/rsp-go/internal/ports"
	"github.com/snawoot/rsp-go/internal/ratelimit"
	"github.com/snawoot/rsp-go/internal/rspssh"
	"golang.org/x/crypto/ssh"
)

// Entry is one borrowed connection. Close tears down the whole underlying
// SSH session; entries are never returned to the pool, so nothing else can
// hold a reference to Client once it has been borrowed. ID correlates an
// entry across the pool's and the proxy handler's log lines.
type Entry struct {
	ID     uuid.UUID
	Client *ssh.Client
}

// Close shuts down the SSH connection backing this entry.
func (e *Entry) Close() error {
	return e.Client.Close()
}

func newEntry(client *ssh.Client) *Entry {
	return &Entry{ID: uuid.New(), Client: client}
}

// waiter is one pending Borrow() call queued in FIFO order, mirroring the
// upstream edition's collections.deque of futures.
type waiter struct {
	ch        chan *ssh.Client
	delivered bool
	abandoned bool
}

// Config bundles the fixed knobs of a Pool.
type Config struct {
	// Size is the target reserve size N.
	Size int
	// Timeout bounds a single connect attempt.
	Timeout time.Duration
	// Backoff is how long a builder sleeps after a failed connect attempt
	// before retrying.
	Backoff time.Duration
	// Clock and Dialer are test seams; nil selects the real adapters.
	Clock  ports.Clock
	Dialer ports.SSHDialer
}

// Pool maintains a warm reserve of up to Size upstream SSH connections.
type Pool struct {
	target    rspssh.Target
	limiter   *ratelimit.Limiter
	cfg       Config
	clock     ports.Clock
	dialer    ports.SSHDialer
	hostKeyCB ssh.HostKeyCallback

	mu       sync.Mutex
	reserve  *list.List // of *ssh.Client
	waiters  *list.List // of *waiter
	tasks    int
	stopped  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Pool for the given target. It does not start building
// connections; call Start for that.
func New(target rspssh.Target, limiter *ratelimit.Limiter, cfg Config) *Pool {
	clock := cfg.Clock
	if clock == nil {
		clock = realclock.New()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = realsshdialer.New()
	}
	return &Pool{
		target:    target,
		limiter:   limiter,
		cfg:       cfg,
		clock:     clock,
		dialer:    dialer,
		hostKeyCB: target.Options.HostKeyCallback,
		reserve:   list.New(),
		waiters:   list.New(),
		stopCh:    make(chan struct{}),
	}
}

// Start kicks off the initial round of builder goroutines to fill the
// reserve up to Size.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rebalanceLocked()
}

// Stop cancels all in-flight builders, aborts every reserve entry and
// blocks until every builder goroutine has exited. It is idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	for e := p.reserve.Front(); e != nil; e = e.Next() {
		client := e.Value.(*ssh.Client)
		client.Close()
	}
	p.reserve.Init()
	p.mu.Unlock()
}

// Borrow hands out one connection, building a fresh one if the reserve is
// empty. The caller owns the returned Entry and must Close it when done;
// the entry never returns to the pool.
func (p *Pool) Borrow(ctx context.Context) (*Entry, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, fmt.Errorf("sshpool: pool is stopped")
	}

	if front := p.reserve.Front(); front != nil {
		client := p.reserve.Remove(front).(*ssh.Client)
		p.rebalanceLocked()
		p.mu.Unlock()
		entry := newEntry(client)
		slog.Debug("sshpool: obtained connection from reserve", slog.String("entry", entry.ID.String()))
		return entry, nil
	}

	w := &waiter{ch: make(chan *ssh.Client, 1)}
	elem := p.waiters.PushBack(w)
	p.rebalanceLocked()
	p.mu.Unlock()

	slog.Debug("sshpool: awaiting free connection")
	select {
	case client := <-w.ch:
		entry := newEntry(client)
		slog.Debug("sshpool: obtained connection as waiter", slog.String("entry", entry.ID.String()))
		return entry, nil
	case <-ctx.Done():
		p.mu.Lock()
		if !w.delivered {
			w.abandoned = true
			p.waiters.Remove(elem)
		}
		p.mu.Unlock()
		select {
		case client := <-w.ch:
			client.Close()
		default:
		}
		return nil, ctx.Err()
	}
}

// rebalanceLocked computes debt = Size - len(reserve) + len(waiters) -
// len(tasks) and launches that many new builder goroutines. Callers must
// hold p.mu.
func (p *Pool) rebalanceLocked() {
	debt := p.cfg.Size - p.reserve.Len() + p.waiters.Len() - p.tasks
	slog.Debug("sshpool: rebalance",
		slog.Int("debt", debt),
		slog.Int("reserve", p.reserve.Len()),
		slog.Int("waiters", p.waiters.Len()),
		slog.Int("tasks", p.tasks),
	)
	for i := 0; i < debt; i++ {
		p.tasks++
		p.wg.Add(1)
		go p.buildConn()
	}
}

// buildConn dials the upstream host, retrying with backoff on failure,
// until it either succeeds or the pool is stopped. On success it hands the
// connection straight to the oldest waiting Borrow call, or else appends
// it to the reserve, then terminates — it never loops back to build
// another connection itself. On exit it rebalances the pool unless the
// pool has been stopped.
func (p *Pool) buildConn() {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.tasks--
		if !p.stopped {
			p.rebalanceLocked()
		}
		p.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sshpool: builder panicked", slog.Any("panic", r))
		}
	}()

	ctx := p.stopContext()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		slog.Debug("sshpool: connect attempt", slog.String("addr", p.target.Addr()))
		client, err := p.dialWithTimeout()
		if err != nil {
			slog.Error("sshpool: connect to upstream failed", slog.String("error", err.Error()))
			if !p.sleepBackoff() {
				return
			}
			continue
		}

		slog.Debug("sshpool: successfully built upstream connection")
		p.deliver(client)
		return
	}
}

// stopContext returns a context cancelled when the pool is stopped, used
// to unblock a builder parked in the rate limiter.
func (p *Pool) stopContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

func (p *Pool) dialWithTimeout() (*ssh.Client, error) {
	cfg, err := p.target.Options.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("build client config: %w", err)
	}
	cfg.Timeout = p.cfg.Timeout

	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		client, err := p.dialer.Dial("tcp", p.target.Addr(), cfg)
		done <- result{client, err}
	}()

	timer := p.clock.After(p.cfg.Timeout)
	select {
	case r := <-done:
		return r.client, r.err
	case <-timer:
		return nil, fmt.Errorf("connect to %s timed out after %s", p.target.Addr(), p.cfg.Timeout)
	case <-p.stopCh:
		return nil, fmt.Errorf("pool stopped")
	}
}

// sleepBackoff waits Backoff before the next retry, returning false if the
// pool was stopped while sleeping.
func (p *Pool) sleepBackoff() bool {
	slog.Debug("sshpool: backing off before retry", slog.Duration("backoff", p.cfg.Backoff))
	select {
	case <-p.clock.After(p.cfg.Backoff):
		return true
	case <-p.stopCh:
		return false
	}
}

// deliver hands client to the oldest non-abandoned waiter, or appends it
// to the reserve if there are none.
func (p *Pool) deliver(client *ssh.Client) {
	p.mu.Lock()
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		p.waiters.Remove(e)
		if w.abandoned {
			continue
		}
		w.delivered = true
		p.mu.Unlock()
		slog.Warn("sshpool: reserve exhausted, dispatching connection directly to waiter")
		w.ch <- client
		return
	}
	p.reserve.PushBack(client)
	p.mu.Unlock()
}

// Stats reports the current reserve/waiter/task counts, for diagnostics.
type Stats struct {
	Reserve int
	Waiters int
	Tasks   int
}

// Stats returns a point-in-time snapshot of the pool's internal counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Reserve: p.reserve.Len(),
		Waiters: p.waiters.Len(),
		Tasks:   p.tasks,
	}
}
