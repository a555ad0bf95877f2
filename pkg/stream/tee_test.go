package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader returns one predefined chunk per Read call.
type chunkReader struct {
	chunks []string
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func collect(t *testing.T, b *Branch, delay time.Duration) []string {
	t.Helper()
	var out []string
	for chunk := range b.Chunks() {
		out = append(out, string(chunk))
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	return out
}

func TestTee_AllBranchesSeeEveryChunkInOrder(t *testing.T) {
	const n = 200
	var want []string
	for i := 0; i < n; i++ {
		want = append(want, fmt.Sprintf("chunk-%03d\n", i))
	}

	tee := NewTee(&chunkReader{chunks: append([]string(nil), want...)}, 3, 4)
	tee.Start(context.Background())

	results := make([][]string, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var delay time.Duration
			if i == 1 {
				delay = 100 * time.Microsecond // slow consumer
			}
			results[i] = collect(t, tee.Branch(i), delay)
		}(i)
	}
	wg.Wait()

	require.NoError(t, tee.Err())
	for i, got := range results {
		assert.Equal(t, want, got, "branch %d", i)
	}
}

func TestTee_SlowConsumerBackPressuresSource(t *testing.T) {
	pr, pw := io.Pipe()
	tee := NewTee(pr, 2, 2)
	tee.Start(context.Background())

	var written atomic.Int32
	go func() {
		for i := 0; i < 20; i++ {
			if _, err := fmt.Fprintf(pw, "line %d\n", i); err != nil {
				return
			}
			written.Add(1)
		}
		pw.Close()
	}()

	// Branch 0 drains eagerly, branch 1 does not read at all yet.
	fast := make(chan []string)
	go func() { fast <- collect(t, tee.Branch(0), 0) }()

	time.Sleep(100 * time.Millisecond)
	// depth 2 queued in branch 1, one chunk held by the producer, one write
	// blocked inside the pipe.
	assert.LessOrEqual(t, written.Load(), int32(4), "source should be throttled by the slow branch")

	slow := collect(t, tee.Branch(1), 0)
	got := <-fast
	assert.Len(t, slow, 20)
	assert.Equal(t, got, slow)
	assert.Equal(t, int32(20), written.Load())
}

func TestTee_DetachedBranchDoesNotStall(t *testing.T) {
	var chunks []string
	for i := 0; i < 50; i++ {
		chunks = append(chunks, fmt.Sprintf("%d;", i))
	}
	tee := NewTee(&chunkReader{chunks: chunks}, 2, 1)
	tee.Branch(1).Detach()
	tee.Start(context.Background())

	got := collect(t, tee.Branch(0), 0)
	assert.Equal(t, chunks, got)

	select {
	case <-tee.Done():
	case <-time.After(time.Second):
		t.Fatal("tee did not finish")
	}
}

func TestTee_ReadErrorClosesBranches(t *testing.T) {
	boom := errors.New("boom")
	tee := NewTee(&chunkReader{chunks: []string{"a", "b"}, err: boom}, 2, 4)
	tee.Start(context.Background())

	assert.Equal(t, []string{"a", "b"}, collect(t, tee.Branch(0), 0))
	assert.Equal(t, []string{"a", "b"}, collect(t, tee.Branch(1), 0))
	assert.ErrorIs(t, tee.Err(), boom)
}

func TestTee_ContextCancelUnblocksProducer(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	tee := NewTee(pr, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	tee.Start(ctx)

	go func() {
		for i := 0; i < 5; i++ {
			if _, err := pw.Write([]byte("x")); err != nil {
				return
			}
		}
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-tee.Done():
	case <-time.After(time.Second):
		t.Fatal("tee did not stop after cancel")
	}
	assert.ErrorIs(t, tee.Err(), context.Canceled)
}

func TestBranch_Reader(t *testing.T) {
	tee := NewTee(&chunkReader{chunks: []string{"hello ", "world"}}, 1, 4)
	tee.Start(context.Background())

	data, err := io.ReadAll(tee.Branch(0).Reader())
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

type failingSink struct {
	writes int
}

func (s *failingSink) Write(p []byte) (int, error) {
	s.writes++
	return 0, errors.New("sink closed")
}

func TestRelay_WritesVerbatim(t *testing.T) {
	chunks := []string{"\x1b[32mgreen\x1b[0m", "\r\n", "partial", " line\n"}
	tee := NewTee(&chunkReader{chunks: append([]string(nil), chunks...)}, 1, 4)
	tee.Start(context.Background())

	var sink bytes.Buffer
	n, err := Relay(context.Background(), tee.Branch(0), &sink)
	require.NoError(t, err)
	assert.Equal(t, "\x1b[32mgreen\x1b[0m\r\npartial line\n", sink.String())
	assert.Equal(t, int64(sink.Len()), n)
}

func TestRelay_SinkErrorKeepsDraining(t *testing.T) {
	tee := NewTee(&chunkReader{chunks: []string{"a", "b", "c"}}, 2, 1)
	tee.Start(context.Background())

	other := make(chan []string)
	go func() { other <- collect(t, tee.Branch(1), 0) }()

	sink := &failingSink{}
	n, err := Relay(context.Background(), tee.Branch(0), sink)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 1, sink.writes)
	assert.Equal(t, []string{"a", "b", "c"}, <-other)
}

func TestSinkFunc(t *testing.T) {
	var got []string
	sink := SinkFunc(func(p []byte) error {
		got = append(got, string(p))
		return nil
	})
	n, err := sink.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"abc"}, got)
}
