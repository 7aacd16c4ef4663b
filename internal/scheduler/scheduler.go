// Package scheduler distributes a batch of requests over QUIC connections
// and streams according to the configured mode, and records exactly one
// outcome per request.
package scheduler

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/quantarax/quicreq/internal/config"
	"github.com/quantarax/quicreq/internal/observability"
	"github.com/quantarax/quicreq/internal/ratelimit"
	"github.com/quantarax/quicreq/internal/request"
	"github.com/quantarax/quicreq/internal/transport"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var ErrUnknownMode = errors.New("unknown scheduling mode")

// Recorder receives the terminal outcome of every work unit. Record may be
// called from several goroutines.
type Recorder interface {
	Record(Outcome)
}

// Body receives one response body.
type Body interface {
	io.Writer
	// Finish closes the body. ok is false when the exchange failed.
	Finish(ok bool) error
}

// BodySink opens a Body for a request about to be sent.
type BodySink interface {
	Open(index int, req request.Descriptor) (Body, error)
}

type Options struct {
	Mode config.Mode
	// MaxConcurrent bounds open connections in SCSR_CONCURRENT. Zero means
	// one connection per request.
	MaxConcurrent int
	// Lifetime bounds the whole run. Zero means unbounded.
	Lifetime time.Duration
	// Pacer, when set, is waited on before every dial.
	Pacer   *ratelimit.TokenBucket
	Bodies  BodySink
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

type Scheduler struct {
	dialer transport.Dialer
	rec    Recorder
	opts   Options
}

func New(dialer transport.Dialer, rec Recorder, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}
	if opts.Bodies == nil {
		opts.Bodies = discardSink{}
	}
	return &Scheduler{dialer: dialer, rec: rec, opts: opts}
}

// Run schedules every request of batch and returns once each has a
// recorded outcome. The returned error is reserved for an invalid mode;
// request failures are reported through the Recorder.
func (s *Scheduler) Run(ctx context.Context, batch request.Batch) error {
	switch s.opts.Mode {
	case config.ModeSCMR, config.ModeSCSRSerial, config.ModeSCSRConcurrent:
	default:
		return fmt.Errorf("%w: %d", ErrUnknownMode, s.opts.Mode)
	}

	if s.opts.Lifetime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, s.opts.Lifetime, ErrLifetimeExpired)
		defer cancel()
	}

	ctx, span := observability.Tracer().Start(ctx, "scheduler.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("mode", s.opts.Mode.String()),
		attribute.Int("requests", batch.Len()),
	)

	units := make([]*unit, batch.Len())
	for i, req := range batch.All() {
		units[i] = s.newUnit(i, req)
	}
	if len(units) == 0 {
		return nil
	}

	switch s.opts.Mode {
	case config.ModeSCMR:
		s.runShared(ctx, units)
	case config.ModeSCSRSerial:
		for _, u := range units {
			s.runSingle(ctx, u)
		}
	case config.ModeSCSRConcurrent:
		s.runConcurrent(ctx, units)
	}
	return nil
}

// runShared multiplexes all units over one connection. Streams are opened
// in batch order; each exchange then runs on its own goroutine. Once the
// connection is gone, opens still queued fail with its close reason.
func (s *Scheduler) runShared(ctx context.Context, units []*unit) {
	if ctx.Err() != nil {
		s.failAll(units, s.classifyDial(ctx), context.Cause(ctx))
		return
	}
	for _, u := range units {
		u.to(StateConnecting)
	}

	conn, err := s.dial(ctx)
	if err != nil {
		s.failAll(units, s.classifyDial(ctx), err)
		return
	}
	defer s.closeConn(conn)

	openCtx, stop := watchConn(ctx, conn)
	defer stop()

	var wg sync.WaitGroup
	for _, u := range units {
		u.connID = conn.ID()
		if ctx.Err() != nil {
			err := context.Cause(ctx)
			u.fail(s.classify(ctx, KindStream, err), err)
			continue
		}
		if err := conn.Err(); err != nil {
			u.fail(s.classify(ctx, KindStream, err), err)
			continue
		}
		str, err := conn.OpenStream(openCtx)
		if err != nil {
			if cerr := conn.Err(); cerr != nil && ctx.Err() == nil {
				err = cerr
			}
			u.fail(s.classify(ctx, KindStream, err), err)
			continue
		}
		s.activate(u, str)

		wg.Add(1)
		go func(u *unit, str transport.Stream) {
			defer wg.Done()
			s.exchange(ctx, u, str)
		}(u, str)
	}
	wg.Wait()
}

// watchConn returns a context that is canceled once conn is gone.
func watchConn(ctx context.Context, conn transport.Conn) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-conn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// runConcurrent runs one connection per unit, at most MaxConcurrent at a
// time. Units that wait for a slot stay Pending.
func (s *Scheduler) runConcurrent(ctx context.Context, units []*unit) {
	limit := s.opts.MaxConcurrent
	if limit <= 0 || limit > len(units) {
		limit = len(units)
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, u := range units {
		g.Go(func() error {
			s.runSingle(ctx, u)
			return nil
		})
	}
	_ = g.Wait()
}

// runSingle drives one unit over its own connection.
func (s *Scheduler) runSingle(ctx context.Context, u *unit) {
	if ctx.Err() != nil {
		u.fail(s.classifyDial(ctx), context.Cause(ctx))
		return
	}
	u.to(StateConnecting)

	conn, err := s.dial(ctx)
	if err != nil {
		u.fail(s.classifyDial(ctx), err)
		return
	}
	defer s.closeConn(conn)
	u.connID = conn.ID()

	str, err := conn.OpenStream(ctx)
	if err != nil {
		u.fail(s.classify(ctx, KindStream, err), err)
		return
	}
	s.activate(u, str)
	s.exchange(ctx, u, str)
}

func (s *Scheduler) dial(ctx context.Context) (transport.Conn, error) {
	if s.opts.Pacer != nil {
		if err := s.opts.Pacer.Wait(ctx, 1); err != nil {
			return nil, err
		}
	}
	ctx, span := observability.Tracer().Start(ctx, "scheduler.dial")
	defer span.End()

	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("conn_id", conn.ID()))
	return conn, nil
}

func (s *Scheduler) closeConn(conn transport.Conn) {
	if err := conn.Close(); err != nil {
		s.opts.Logger.WithConn(conn.ID()).Error(err, "close connection")
	}
}

func (s *Scheduler) activate(u *unit, str transport.Stream) {
	u.streamID = str.ID()
	s.opts.Logger.StreamOpened(u.index, u.streamID)
	u.to(StateActive)
}

// exchange performs the request on an open stream and finishes the unit.
func (s *Scheduler) exchange(ctx context.Context, u *unit, str transport.Stream) {
	ctx, span := observability.Tracer().Start(ctx, "scheduler.exchange")
	defer span.End()
	span.SetAttributes(
		attribute.Int("req_index", u.index),
		attribute.String("url", u.req.URL),
		attribute.Int64("stream_id", u.streamID),
	)

	body, err := s.opts.Bodies.Open(u.index, u.req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open body")
		u.fail(KindStream, fmt.Errorf("open body: %w", err))
		return
	}

	h := blake3.New()
	resp, err := str.Exchange(ctx, u.req, io.MultiWriter(body, h))
	u.status = resp.Status
	u.bytes = resp.Bytes
	span.SetAttributes(attribute.Int64("bytes", resp.Bytes))

	if ferr := body.Finish(err == nil); ferr != nil && err == nil {
		err = fmt.Errorf("write body: %w", ferr)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "exchange failed")
		u.fail(s.classify(ctx, KindStream, err), err)
		return
	}
	u.digest = hex.EncodeToString(h.Sum(nil))
	u.complete()
}

// failAll fails every non-terminal unit, e.g. after a shared dial fails.
func (s *Scheduler) failAll(units []*unit, kind ErrorKind, err error) {
	for _, u := range units {
		if !u.state.Terminal() {
			u.fail(kind, err)
		}
	}
}

// classifyDial maps a failure to establish a connection. Only the run's
// own deadline or cancellation override KindConn; a handshake timeout is
// still a connection failure.
func (s *Scheduler) classifyDial(ctx context.Context) ErrorKind {
	switch {
	case errors.Is(context.Cause(ctx), ErrLifetimeExpired):
		return KindTimeout
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return KindCanceled
	default:
		return KindConn
	}
}

// classify maps a failure on an established connection. Lifetime expiry
// and transport timeouts, such as the idle timeout, win over fallback.
func (s *Scheduler) classify(ctx context.Context, fallback ErrorKind, err error) ErrorKind {
	if kind := s.classifyDial(ctx); kind != KindConn {
		return kind
	}
	if transport.IsTimeout(err) {
		return KindTimeout
	}
	return fallback
}

type discardSink struct{}

func (discardSink) Open(int, request.Descriptor) (Body, error) { return discardBody{}, nil }

type discardBody struct{}

func (discardBody) Write(p []byte) (int, error) { return len(p), nil }

func (discardBody) Finish(bool) error { return nil }
