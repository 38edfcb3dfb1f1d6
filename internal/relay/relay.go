// Package relay copies an upstream response body to the caller through a
// bounded queue, flushing after every unit so streamed output reaches the
// caller as soon as it arrives.
package relay

import (
	"context"
	"errors"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"

	"llm-gateway/internal/proxyerr"
)

// Options bounds the memory a single relay may hold.
type Options struct {
	// BufferSize is the size of each upstream read.
	BufferSize int
	// QueueDepth is the number of pieces, each at most BufferSize bytes, that
	// may wait for the caller.
	QueueDepth int
	// MaxEventBytes caps a pending SSE event before it is relayed unaligned.
	MaxEventBytes int
}

const (
	defaultBufferSize    = 32 * 1024
	defaultQueueDepth    = 8
	defaultMaxEventBytes = 1 << 20
)

// Relay moves response bodies from upstream to caller.
type Relay struct {
	opts Options
}

// New creates a Relay. Zero values in opts are replaced by defaults.
func New(opts Options) *Relay {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	if opts.MaxEventBytes <= 0 {
		opts.MaxEventBytes = defaultMaxEventBytes
	}
	return &Relay{opts: opts}
}

// Result summarizes a finished relay.
type Result struct {
	Bytes int64
	Units int
}

// WriteError reports that the caller side failed, usually a disconnect.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return "relay: write to caller: " + e.Err.Error() }
func (e *WriteError) Unwrap() error { return e.Err }

// Copy relays src to dst until src ends, either side fails, or ctx is done.
// Upstream read failures come back as a KindStreamingFailure *proxyerr.Error;
// caller write failures as *WriteError. Copy closes src on return.
//
// A reader goroutine fills a queue of QueueDepth pieces, each at most
// BufferSize bytes, while the caller drains it; once the queue is full the
// reader stops pulling from upstream. Memory held per relay is therefore about
// QueueDepth × BufferSize plus the SSE pending-event buffer, regardless of body
// size. The caller is flushed only at unit ends, so an SSE event split into
// several pieces still reaches the caller as one flush.
func (r *Relay) Copy(ctx context.Context, dst io.Writer, src io.ReadCloser, framing Framing) (Result, error) {
	defer src.Close()

	g, gctx := errgroup.WithContext(ctx)
	pieces := make(chan piece, r.opts.QueueDepth)

	// Closing the body is the only way to interrupt a blocked Read.
	stop := context.AfterFunc(gctx, func() { _ = src.Close() })
	defer stop()

	g.Go(func() error {
		defer close(pieces)
		return r.pump(gctx, src, pieces, framing)
	})

	var res Result
	g.Go(func() error {
		flusher, _ := dst.(http.Flusher)
		for p := range pieces {
			n, err := dst.Write(p.data)
			res.Bytes += int64(n)
			if err != nil {
				return &WriteError{Err: err}
			}
			if !p.last {
				continue
			}
			res.Units++
			if flusher != nil {
				flusher.Flush()
			}
		}
		return nil
	})

	err := g.Wait()
	return res, err
}

// piece is one queued write. last marks the end of a relay unit.
type piece struct {
	data []byte
	last bool
}

// pump reads upstream and enqueues relay units, blocking while the queue is full.
func (r *Relay) pump(ctx context.Context, src io.Reader, pieces chan<- piece, framing Framing) error {
	send := func(p piece) error {
		select {
		case pieces <- p:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
	// sendUnit queues u in BufferSize pieces, copying each so a queued piece
	// never pins a larger event in memory.
	sendUnit := func(u []byte) error {
		for len(u) > r.opts.BufferSize {
			if err := send(piece{data: clone(u[:r.opts.BufferSize])}); err != nil {
				return err
			}
			u = u[r.opts.BufferSize:]
		}
		return send(piece{data: u, last: true})
	}

	var split *eventSplitter
	if framing == SSE {
		split = &eventSplitter{max: r.opts.MaxEventBytes}
	}

	buf := make([]byte, r.opts.BufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if split == nil {
				if err := sendUnit(clone(buf[:n])); err != nil {
					return err
				}
			} else {
				for _, ev := range split.feed(buf[:n]) {
					if err := sendUnit(ev); err != nil {
						return err
					}
				}
			}
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			if split != nil {
				if tail := split.flush(); tail != nil {
					return sendUnit(tail)
				}
			}
			return nil
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return proxyerr.New(proxyerr.KindStreamingFailure, "", "upstream stream interrupted", rerr)
	}
}
