package stream

import (
	"context"
	"io"
	"log/slog"
)

// Relay writes every chunk from b to sink, in order, until the stream ends.
// It returns the number of bytes received.
//
// A sink error is logged once; the relay keeps draining the branch so the
// other consumers of the tee are not stalled. If ctx is done the branch is
// detached and ctx.Err() returned.
func Relay(ctx context.Context, b *Branch, sink io.Writer) (int64, error) {
	var total int64
	var sinkErr error
	for {
		chunk, ok, err := b.Next(ctx)
		if err != nil {
			b.Detach()
			return total, err
		}
		if !ok {
			return total, nil
		}
		total += int64(len(chunk))
		if sinkErr != nil || sink == nil {
			continue
		}
		if _, err := sink.Write(chunk); err != nil {
			sinkErr = err
			slog.Warn("Terminal sink write failed, discarding further output", "error", err)
		}
	}
}

// SinkFunc adapts a function to an io.Writer sink.
type SinkFunc func(chunk []byte) error

func (f SinkFunc) Write(p []byte) (int, error) {
	if err := f(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
