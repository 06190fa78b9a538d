// Package bufpool implements a fixed-size byte buffer pool with a global
// budget. The budget is the only thing bounding the memory a sort holds for
// line data: every window, staging row and group row is checked out here.
//
// Buffers are always full-size. A checked-out buffer is owned exclusively by
// its handle until Release, after which its content is undefined.
package bufpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	sorterrors "github.com/tamirms/groupsort/errors"
	"golang.org/x/sync/semaphore"
)

// Option configures a Pool.
type Option func(*Pool)

// WithCleanup sets a function applied to every buffer before it re-enters
// the pool. Without one, buffers are returned as-is.
func WithCleanup(fn func([]byte)) Option {
	return func(p *Pool) {
		p.cleanup = fn
	}
}

// Pool hands out buffers of one size, never more than capacity at a time.
// Acquisition blocks while the budget is exhausted; that is the backpressure
// which keeps the grouping pass from outrunning disk I/O.
type Pool struct {
	bufferSize int
	capacity   int
	sem        *semaphore.Weighted
	cleanup    func([]byte)

	mu   sync.Mutex
	free [][]byte

	inUse     atomic.Int64
	allocated atomic.Int64

	closedCtx context.Context
	close     context.CancelFunc
}

// New creates a pool of capacity buffers of bufferSize bytes each. Buffers
// are allocated lazily on first checkout.
func New(bufferSize, capacity int, opts ...Option) (*Pool, error) {
	if bufferSize <= 0 {
		return nil, fmt.Errorf("%w: buffer size %d", sorterrors.ErrInvalidConfig, bufferSize)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: pool capacity %d", sorterrors.ErrInvalidConfig, capacity)
	}
	closedCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		bufferSize: bufferSize,
		capacity:   capacity,
		sem:        semaphore.NewWeighted(int64(capacity)),
		closedCtx:  closedCtx,
		close:      cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// BufferSize returns the size of every buffer in the pool.
func (p *Pool) BufferSize() int { return p.bufferSize }

// Capacity returns the maximum number of buffers outstanding at once.
func (p *Pool) Capacity() int { return p.capacity }

// InUse returns the number of buffers currently checked out.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }

// Allocated returns the number of buffers the pool has ever allocated.
func (p *Pool) Allocated() int { return int(p.allocated.Load()) }

// Close makes all pending and future acquisitions fail with ErrPoolClosed
// and drops the free list. Buffers still checked out may be released later.
func (p *Pool) Close() {
	p.close()
	p.mu.Lock()
	p.free = nil
	p.mu.Unlock()
}

// Buffer is a scoped handle to one pooled buffer.
type Buffer struct {
	pool *Pool
	buf  []byte
}

// Bytes returns the buffer. It must not be used after Release.
func (b *Buffer) Bytes() []byte { return b.buf }

// Release returns the buffer to the pool. Idempotent.
func (b *Buffer) Release() {
	if b == nil || b.buf == nil {
		return
	}
	b.pool.put(b.buf)
	b.pool.sem.Release(1)
	b.buf = nil
}

// Buffers is a scoped handle to several pooled buffers, used as the rows of
// a row-major byte matrix.
type Buffers struct {
	pool *Pool
	rows [][]byte
}

// Rows returns the checked-out buffers.
func (b *Buffers) Rows() [][]byte { return b.rows }

// Len returns the number of checked-out buffers.
func (b *Buffers) Len() int { return len(b.rows) }

// Release returns every buffer to the pool. Idempotent.
func (b *Buffers) Release() {
	if b == nil || b.rows == nil {
		return
	}
	for _, row := range b.rows {
		b.pool.put(row)
	}
	b.pool.sem.Release(int64(len(b.rows)))
	b.rows = nil
}

// Acquire checks out one buffer, blocking until one is free.
func (p *Pool) Acquire(ctx context.Context) (*Buffer, error) {
	if err := p.acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &Buffer{pool: p, buf: p.take()}, nil
}

// AcquireMany checks out up to n buffers. It blocks until at least one is
// free, then takes as many more as are immediately available without
// waiting for the rest.
func (p *Pool) AcquireMany(ctx context.Context, n int) (*Buffers, error) {
	if n <= 0 {
		return &Buffers{pool: p}, nil
	}
	if err := p.acquire(ctx, 1); err != nil {
		return nil, err
	}
	got := 1
	for got < n && p.sem.TryAcquire(1) {
		got++
	}
	return p.takeRows(got), nil
}

// AcquireExactly checks out exactly n buffers, blocking until all of them
// can be taken at once. Requests larger than the pool can ever satisfy fail
// with ErrGroupTooLarge instead of blocking forever.
func (p *Pool) AcquireExactly(ctx context.Context, n int) (*Buffers, error) {
	if n > p.capacity {
		return nil, fmt.Errorf("%w: %d buffers requested, pool capacity is %d",
			sorterrors.ErrGroupTooLarge, n, p.capacity)
	}
	if n <= 0 {
		return &Buffers{pool: p}, nil
	}
	if err := p.acquire(ctx, int64(n)); err != nil {
		return nil, err
	}
	return p.takeRows(n), nil
}

// acquire reserves n units of budget, giving up when ctx is done or the pool
// is closed.
func (p *Pool) acquire(ctx context.Context, n int64) error {
	if p.closedCtx.Err() != nil {
		return sorterrors.ErrPoolClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.closedCtx, cancel)
	defer stop()

	if err := p.sem.Acquire(ctx, n); err != nil {
		if p.closedCtx.Err() != nil {
			return sorterrors.ErrPoolClosed
		}
		return err
	}
	if p.closedCtx.Err() != nil {
		p.sem.Release(n)
		return sorterrors.ErrPoolClosed
	}
	return nil
}

func (p *Pool) takeRows(n int) *Buffers {
	rows := make([][]byte, n)
	for i := range rows {
		rows[i] = p.take()
	}
	return &Buffers{pool: p, rows: rows}
}

// take pops a free buffer or allocates a new one. Budget must already be
// reserved.
func (p *Pool) take() []byte {
	p.inUse.Add(1)
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return buf
	}
	p.mu.Unlock()
	p.allocated.Add(1)
	return make([]byte, p.bufferSize)
}

// put returns a buffer to the free list. The caller releases the budget.
func (p *Pool) put(buf []byte) {
	p.inUse.Add(-1)
	buf = buf[:cap(buf)]
	if p.cleanup != nil {
		p.cleanup(buf)
	}
	if p.closedCtx.Err() != nil {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, buf)
	p.mu.Unlock()
}
