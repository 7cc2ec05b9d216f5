// Package pipeline couples an application stream with its handler: a decoder
// reading bounded raw frames, an encoder serializing replies and the handler
// in between.
package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/prodigysml/TAK-Server/pkg/handler"
	"github.com/prodigysml/TAK-Server/pkg/transport"
)

// DefaultReadSize is the frame size used when none is configured.
const DefaultReadSize = 16 * 1024

// Stats receives per-frame accounting. Any method may be called from the
// pipeline goroutine only.
type Stats interface {
	Frame(n int)
	HandlerError()
}

// Pipeline is the per-connection processing chain.
type Pipeline struct {
	id      string
	stream  transport.Stream
	dec     *decoder
	enc     *encoder
	handler handler.Handler
	stats   Stats
	log     *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithReadSize bounds a single decoded frame.
func WithReadSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.dec.buf = make([]byte, n)
		}
	}
}

// WithStats reports frames and handler errors.
func WithStats(s Stats) Option { return func(p *Pipeline) { p.stats = s } }

// WithLogger sets the logger (zap.L() by default).
func WithLogger(l *zap.Logger) Option { return func(p *Pipeline) { p.log = l } }

// New assembles the pipeline of connection id.
func New(id string, s transport.Stream, h handler.Handler, opts ...Option) *Pipeline {
	p := &Pipeline{
		id:      id,
		stream:  s,
		dec:     &decoder{r: s, buf: make([]byte, DefaultReadSize)},
		enc:     &encoder{w: s},
		handler: h,
		log:     zap.L(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run feeds frames to the handler until the stream ends, ctx is done or
// the handler fails. The next frame is read only after the handler returned,
// so a slow handler holds back the transport's receive window. Handler and
// stream are closed on return; a clean end of stream returns nil.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	p.handler.Open(p.enc)
	defer func() {
		p.handler.Close(err)
		if err != nil {
			p.stream.Abort(transport.CodeInternal)
		} else {
			_ = p.stream.Close()
		}
	}()

	stop := context.AfterFunc(ctx, func() { p.stream.Abort(transport.CodeShutdown) })
	defer stop()

	for {
		frame, rerr := p.dec.next()
		if len(frame) > 0 {
			if p.stats != nil {
				p.stats.Frame(len(frame))
			}
			if herr := p.handler.Handle(ctx, frame); herr != nil {
				if p.stats != nil {
					p.stats.HandlerError()
				}
				p.log.Warn("handler failed", zap.String("conn", p.id), zap.Error(herr))
				return herr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return rerr
		}
	}
}

// decoder yields raw frames of at most len(buf) bytes. Each frame is a fresh
// slice owned by the handler.
type decoder struct {
	r   io.Reader
	buf []byte
}

func (d *decoder) next() ([]byte, error) {
	n, err := d.r.Read(d.buf)
	if n == 0 {
		return nil, err
	}
	frame := make([]byte, n)
	copy(frame, d.buf[:n])
	return frame, err
}

// encoder serializes writes from handlers that reply concurrently.
type encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func (e *encoder) Send(frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.w.Write(frame)
	return err
}
