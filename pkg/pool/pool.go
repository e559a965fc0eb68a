// Package pool implements a generic connection pool: a single MRU-ordered
// deque shared across every key, gated by two pool-wide bounded counting
// semaphores (active leases and total inventory), idle-timeout reaping,
// and LRU eviction once the pool is full. It replaces the ad hoc
// hostPool/sync.Cond bookkeeping the client transport used to do for
// itself, so the same pool serves both the client dialer and anything
// else (future outbound proxying, the server's upstream connections)
// that needs bounded, reusable connections keyed by an arbitrary
// comparable type.
package pool

import (
	"container/list"
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ramaproxy/rama/pkg/errors"
)

// Config controls pool-wide sizing and idle lifetime. Bounds apply across
// every key, not per key: max_active is how many leases may be
// outstanding at once across the whole pool, and max_total is how many
// connections (idle plus active) the pool may hold at once across every
// key combined.
type Config struct {
	// MaxActive bounds how many leases may be outstanding at once across
	// the whole pool. Zero means unbounded.
	MaxActive int64
	// MaxTotal bounds idle+active inventory across the whole pool. Zero
	// means unbounded. May legitimately be smaller, equal to, or larger
	// than MaxActive -- the two are independent semaphores, not a single
	// combined counter, so e.g. MaxActive=1 < MaxTotal just means only one
	// lease is outstanding at a time while several idle connections for
	// other keys may still be cached for quick reuse.
	MaxTotal int64
	// IdleTimeout is how long an idle connection may sit before the
	// reaper closes it. Zero disables idle reaping.
	IdleTimeout time.Duration
	// WaitTimeout bounds how long Acquire blocks for a free active slot
	// when the pool is at MaxActive. Zero means don't block.
	WaitTimeout time.Duration
}

// DefaultConfig returns a pool configuration with no bounds and the
// package's default idle timeout.
func DefaultConfig() Config {
	return Config{
		MaxActive:   0,
		MaxTotal:    0,
		IdleTimeout: 90 * time.Second,
		WaitTimeout: 0,
	}
}

// idleEntry is one cached connection sitting in the pool's MRU deque,
// tagged with the key it was leased under so a later Acquire for that
// same key can find it again.
type idleEntry[K comparable, C io.Closer] struct {
	key      K
	conn     C
	lastUsed time.Time
}

// Pool is a generic connection pool holding resources of type C (anything
// with a Close() error method), keyed by K but sharing a single deque and
// pair of pool-wide semaphores across every key -- a connection for key A
// competes for the same total/active budget as one for key B, and can be
// evicted to make room for it.
type Pool[K comparable, C io.Closer] struct {
	cfg Config

	mu   sync.Mutex
	idle *list.List // of *idleEntry[K,C], front = most recently used

	active *semaphore.Weighted
	total  *semaphore.Weighted

	activeHeld int64
	totalHeld  int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Pool with cfg, starting a background idle reaper when
// cfg.IdleTimeout > 0.
func New[K comparable, C io.Closer](cfg Config) *Pool[K, C] {
	p := &Pool[K, C]{
		cfg:    cfg,
		idle:   list.New(),
		stopCh: make(chan struct{}),
	}
	if cfg.MaxActive > 0 {
		p.active = semaphore.NewWeighted(cfg.MaxActive)
	}
	if cfg.MaxTotal > 0 {
		p.total = semaphore.NewWeighted(cfg.MaxTotal)
	}
	if cfg.IdleTimeout > 0 {
		p.wg.Add(1)
		go p.reapLoop()
	}
	return p
}

// Lease is a checked-out connection. The caller must call exactly one of
// Pool.Release (return it to the idle deque for reuse) or Pool.MarkFailed
// (discard and close it) when done, passing the same key back.
type Lease[C io.Closer] struct {
	Conn C
	// Reused reports whether Conn was recycled from the idle deque
	// rather than freshly created by the caller.
	Reused bool
}

// GetResult describes the outcome of attempting to obtain an idle
// connection before the caller dials a new one.
type GetResult[C io.Closer] struct {
	// Conn is set, with Found true, if an idle connection was recycled.
	Conn  C
	Found bool
	// Position is the MRU index (0 = most recently used) the reused
	// connection occupied in the deque at the moment it was found,
	// available to callers for metrics. Meaningless when Found is false.
	Position int
	// Reserved is true when no idle connection was available but a slot
	// was reserved in the active semaphore, meaning the caller should
	// dial a new connection and then call Put to register it.
	Reserved bool
}

// Acquire attempts to obtain an idle connection for key from the pool's
// shared deque, or reserves an active slot for the caller to dial a
// fresh one. It blocks up to cfg.WaitTimeout (context permitting) if the
// active semaphore is full.
func (p *Pool[K, C]) Acquire(ctx context.Context, key K) (GetResult[C], error) {
	if p.active != nil {
		if p.cfg.WaitTimeout > 0 {
			acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.WaitTimeout)
			defer cancel()
			if err := p.active.Acquire(acquireCtx, 1); err != nil {
				return GetResult[C]{}, errors.NewPoolTimeoutError("", p.cfg.WaitTimeout)
			}
		} else if !p.active.TryAcquire(1) {
			return GetResult[C]{}, errors.NewPoolTimeoutError("", 0)
		}
	}
	return p.acquireLocked(key)
}

// acquireLocked prunes idle-timed-out entries, then looks for the
// front-most (most recently used) idle entry matching key across the
// whole deque -- not a per-key sub-structure -- so reuse, eviction, and
// idle-timeout pruning all operate over one shared pool of connections
// regardless of which key they were leased under.
func (p *Pool[K, C]) acquireLocked(key K) (GetResult[C], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeHeld++

	p.pruneIdleLocked()

	idx := 0
	for e := p.idle.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*idleEntry[K, C])
		if entry.key == key {
			p.idle.Remove(e)
			return GetResult[C]{Conn: entry.conn, Found: true, Position: idx}, nil
		}
		idx++
	}

	if p.total != nil {
		if !p.total.TryAcquire(1) {
			// Total inventory full: evict the global LRU entry (tail of
			// the shared deque, regardless of its key) and hand its freed
			// slot to the caller.
			if !p.evictLRULocked() {
				if p.active != nil {
					p.active.Release(1)
				}
				p.activeHeld--
				return GetResult[C]{}, errors.NewPoolCapacityError("pool at total capacity")
			}
		} else {
			p.totalHeld++
		}
	}
	return GetResult[C]{Reserved: true}, nil
}

// Put wraps a freshly dialed connection, registered as the result of a
// Reserved Acquire, into a Lease.
func (p *Pool[K, C]) Put(conn C) *Lease[C] {
	return &Lease[C]{Conn: conn, Reused: false}
}

// Found wraps an idle connection returned by Acquire into a Lease.
func (p *Pool[K, C]) Found(conn C) *Lease[C] {
	return &Lease[C]{Conn: conn, Reused: true}
}

// Release returns a lease's connection to the front of the shared idle
// deque under key, and frees the active slot.
func (p *Pool[K, C]) Release(key K, conn C) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.activeHeld--
	if p.active != nil {
		p.active.Release(1)
	}

	p.idle.PushFront(&idleEntry[K, C]{key: key, conn: conn, lastUsed: time.Now()})
}

// MarkFailed discards a lease's connection (closing it) instead of
// returning it to the idle deque, and frees its slots.
func (p *Pool[K, C]) MarkFailed(_ K, conn C) {
	p.mu.Lock()
	p.activeHeld--
	if p.active != nil {
		p.active.Release(1)
	}
	if p.total != nil {
		p.total.Release(1)
		p.totalHeld--
	}
	p.mu.Unlock()
	conn.Close()
}

// evictLRULocked closes and removes the least-recently-used idle entry
// across the whole deque, freeing its pool slot for reuse by the caller.
// Reports whether an entry was evicted. Caller must hold p.mu.
func (p *Pool[K, C]) evictLRULocked() bool {
	back := p.idle.Back()
	if back == nil {
		return false
	}
	entry := back.Value.(*idleEntry[K, C])
	p.idle.Remove(back)
	entry.conn.Close()
	// The freed slot is immediately reused by the caller that triggered
	// this eviction, so totalHeld is left unchanged -- one connection's
	// slot (the evicted one) becomes another's (the one about to be
	// created) without a Release/Acquire round trip.
	return true
}

// pruneIdleLocked removes and closes idle entries older than
// cfg.IdleTimeout. The deque is MRU-ordered front to back, so ages are
// non-decreasing from front to back; entries are pruned from the back
// until the first one still within the timeout is reached. Caller must
// hold p.mu.
func (p *Pool[K, C]) pruneIdleLocked() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	for {
		back := p.idle.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*idleEntry[K, C])
		if !entry.lastUsed.Before(cutoff) {
			return
		}
		p.idle.Remove(back)
		entry.conn.Close()
		if p.total != nil {
			p.total.Release(1)
			p.totalHeld--
		}
	}
}

// reapLoop periodically closes idle connections older than
// cfg.IdleTimeout.
func (p *Pool[K, C]) reapLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			p.pruneIdleLocked()
			p.mu.Unlock()
		}
	}
}

// Stats reports point-in-time counters. Active is pool-wide (every key
// shares the same active-slot budget); Idle counts only idle entries
// matching the key Stats was asked about.
type Stats struct {
	Active int64
	Idle   int64
}

// Stats returns point-in-time counters for key. Active is the pool-wide
// active-lease count, not specific to key -- callers aggregating Stats
// across multiple keys should take ActiveCount() once rather than sum
// each key's Active, which would double-count the shared budget.
func (p *Pool[K, C]) Stats(key K) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var idle int64
	for e := p.idle.Front(); e != nil; e = e.Next() {
		if e.Value.(*idleEntry[K, C]).key == key {
			idle++
		}
	}
	return Stats{Active: p.activeHeld, Idle: idle}
}

// ActiveCount returns the pool-wide count of currently outstanding
// leases, shared across every key.
func (p *Pool[K, C]) ActiveCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeHeld
}

// Close stops the background reaper and closes every idle connection in
// the pool. Active leases are not affected; callers still owning a Lease
// must Release or MarkFailed it themselves.
func (p *Pool[K, C]) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.idle.Front(); e != nil; e = e.Next() {
		e.Value.(*idleEntry[K, C]).conn.Close()
	}
	p.idle.Init()
	return nil
}
