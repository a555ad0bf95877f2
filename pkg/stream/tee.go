// Package stream fans a single process output stream out to several
// independent consumers and relays chunks to terminal sinks.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

const (
	// DefaultDepth is the per-branch queue depth used when none is given.
	DefaultDepth = 64
	// DefaultChunkSize is the read size used by the producer.
	DefaultChunkSize = 32 * 1024
)

// Tee copies every chunk read from a source to a fixed set of branches.
//
// Each branch owns a bounded queue. The producer blocks while any attached
// branch's queue is full, so a slow consumer slows the source down instead of
// growing memory. Chunks reach every branch exactly once and in source order.
type Tee struct {
	src       io.Reader
	branches  []*Branch
	chunkSize int

	once sync.Once
	done chan struct{}
	err  error
}

// Branch is one consumer's view of a Tee.
type Branch struct {
	ch       chan []byte
	detached chan struct{}
	once     sync.Once
}

// NewTee creates a Tee over src with n branches of the given queue depth.
// Call Run to start copying.
func NewTee(src io.Reader, n, depth int) *Tee {
	if depth <= 0 {
		depth = DefaultDepth
	}
	t := &Tee{
		src:       src,
		chunkSize: DefaultChunkSize,
		done:      make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		t.branches = append(t.branches, &Branch{
			ch:       make(chan []byte, depth),
			detached: make(chan struct{}),
		})
	}
	return t
}

// Branch returns the i-th branch.
func (t *Tee) Branch(i int) *Branch { return t.branches[i] }

// Len returns the number of branches.
func (t *Tee) Len() int { return len(t.branches) }

// Done is closed once the producer has finished and all branches are closed.
func (t *Tee) Done() <-chan struct{} { return t.done }

// Err returns the read error that stopped the producer, if it was not io.EOF.
// It is only meaningful after Done is closed.
func (t *Tee) Err() error {
	<-t.done
	return t.err
}

// Start runs the producer in a new goroutine.
func (t *Tee) Start(ctx context.Context) {
	go t.Run(ctx)
}

// Run copies chunks from the source until it returns an error or ctx is done,
// then closes every branch. Run must be called at most once.
func (t *Tee) Run(ctx context.Context) error {
	t.once.Do(func() {
		t.err = t.pump(ctx)
		for _, b := range t.branches {
			close(b.ch)
		}
		close(t.done)
	})
	return t.err
}

func (t *Tee) pump(ctx context.Context) error {
	buf := make([]byte, t.chunkSize)
	for {
		n, err := t.src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			for _, b := range t.branches {
				if err := b.push(ctx, chunk); err != nil {
					return err
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// push blocks until the chunk is queued, the branch detaches or ctx is done.
// Branches share one backing array per chunk; consumers must not modify it.
func (b *Branch) push(ctx context.Context, chunk []byte) error {
	select {
	case <-b.detached:
		return nil
	default:
	}
	select {
	case b.ch <- chunk:
		return nil
	case <-b.detached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Chunks returns the channel of chunks. It is closed when the source ends.
func (b *Branch) Chunks() <-chan []byte { return b.ch }

// Next blocks for the next chunk. ok is false at end of stream.
func (b *Branch) Next(ctx context.Context) (chunk []byte, ok bool, err error) {
	select {
	case chunk, ok = <-b.ch:
		return chunk, ok, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Detach stops delivery to this branch. The producer no longer waits on it,
// so the remaining branches keep flowing. Safe to call more than once.
func (b *Branch) Detach() {
	b.once.Do(func() { close(b.detached) })
}

// Reader adapts the branch to an io.Reader.
func (b *Branch) Reader() io.Reader {
	return &branchReader{b: b}
}

type branchReader struct {
	b   *Branch
	buf []byte
}

func (r *branchReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		chunk, ok := <-r.b.ch
		if !ok {
			return 0, io.EOF
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
