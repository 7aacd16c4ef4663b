package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantarax/quicreq/internal/config"
	"github.com/quantarax/quicreq/internal/quicutil"
	"github.com/quantarax/quicreq/internal/ratelimit"
	"github.com/quantarax/quicreq/internal/request"
	"github.com/quantarax/quicreq/internal/transport"
)

var (
	errDialRefused = errors.New("dial refused")
	errConnClosed  = errors.New("connection closed")
)

// idleTimeoutError is the net.Error a transport reports after its idle
// timeout fired.
type idleTimeoutError struct{}

func (idleTimeoutError) Error() string   { return "timeout: no recent network activity" }
func (idleTimeoutError) Timeout() bool   { return true }
func (idleTimeoutError) Temporary() bool { return false }

type interval struct {
	index      int
	start, end time.Time
}

// fakeDialer hands out in-memory connections and records every dial,
// stream open and exchange interval.
type fakeDialer struct {
	delay    time.Duration
	failDial int64 // 1-based dial number that fails, 0 for none
	dialErr  error // error of the failing dial, errDialRefused when nil
	failOpen int64 // 1-based stream open number that fails, 0 for none
	// blockAfter makes every stream open after the first blockAfter opens
	// block until the context is done.
	blockAfter int64
	// idleAfter expires a connection with an idle timeout once that many
	// exchanges finished on it. Later stream opens wait for the expiry.
	idleAfter int64

	dials  atomic.Int64
	opens  atomic.Int64
	active atomic.Int64
	peak   atomic.Int64

	mu        sync.Mutex
	dialTimes []time.Time
	intervals []interval
}

func (d *fakeDialer) Dial(ctx context.Context) (transport.Conn, error) {
	n := d.dials.Add(1)
	d.mu.Lock()
	d.dialTimes = append(d.dialTimes, time.Now())
	d.mu.Unlock()
	if n == d.failDial {
		if d.dialErr != nil {
			return nil, d.dialErr
		}
		return nil, errDialRefused
	}
	cur := d.active.Add(1)
	for {
		p := d.peak.Load()
		if cur <= p || d.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	return &fakeConn{d: d, id: fmt.Sprintf("conn-%d", n), done: make(chan struct{})}, nil
}

func (d *fakeDialer) Intervals() []interval {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := append([]interval(nil), d.intervals...)
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

type fakeConn struct {
	d         *fakeDialer
	id        string
	streams   atomic.Int64
	exchanged atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once

	mu  sync.Mutex
	err error
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	n := c.d.opens.Add(1)
	if n == c.d.failOpen {
		return nil, errors.New("stream limit reached")
	}
	if c.d.blockAfter > 0 && n > c.d.blockAfter {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.d.idleAfter > 0 && n > c.d.idleAfter {
		select {
		case <-c.done:
			return nil, c.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	id := (c.streams.Add(1) - 1) * 4
	return &fakeStream{d: c.d, c: c, id: id}, nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// expire marks the connection gone with err.
func (c *fakeConn) expire(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.d.active.Add(-1)
	})
	c.expire(errConnClosed)
	return nil
}

type fakeStream struct {
	d  *fakeDialer
	c  *fakeConn
	id int64
}

func (s *fakeStream) ID() int64 { return s.id }

func (s *fakeStream) Exchange(ctx context.Context, req request.Descriptor, body io.Writer) (transport.Response, error) {
	iv := interval{start: time.Now()}
	fmt.Sscanf(req.Path, "/%d", &iv.index)
	defer func() {
		iv.end = time.Now()
		s.d.mu.Lock()
		s.d.intervals = append(s.d.intervals, iv)
		s.d.mu.Unlock()
	}()

	if s.d.delay > 0 {
		t := time.NewTimer(s.d.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return transport.Response{}, ctx.Err()
		case <-t.C:
		}
	}
	n, err := io.WriteString(body, "body of "+req.Path)
	if s.d.idleAfter > 0 && s.c.exchanged.Add(1) == s.d.idleAfter {
		s.c.expire(idleTimeoutError{})
	}
	return transport.Response{Bytes: int64(n)}, err
}

type recorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recorder) Record(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recorder) sorted() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]Outcome(nil), r.outcomes...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func makeBatch(t *testing.T, n int) request.Batch {
	t.Helper()
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://a.test/%d", i)
	}
	b, err := request.ParseList(urls)
	if err != nil {
		t.Fatalf("failed to build batch: %v", err)
	}
	return b
}

func run(t *testing.T, d *fakeDialer, opts Options, n int) []Outcome {
	t.Helper()
	rec := &recorder{}
	if err := New(d, rec, opts).Run(context.Background(), makeBatch(t, n)); err != nil {
		t.Fatalf("run: %v", err)
	}
	return rec.sorted()
}

func checkOneOutcomeEach(t *testing.T, outcomes []Outcome, n int) {
	t.Helper()
	if len(outcomes) != n {
		t.Fatalf("expected %d outcomes, got %d", n, len(outcomes))
	}
	for i, o := range outcomes {
		if o.Index != i {
			t.Fatalf("expected outcome for index %d, got %d", i, o.Index)
		}
		if !o.State.Terminal() {
			t.Errorf("outcome %d not terminal: %s", i, o.State)
		}
	}
}

func TestRunRecordsOneOutcomePerRequest(t *testing.T) {
	modes := []config.Mode{config.ModeSCMR, config.ModeSCSRSerial, config.ModeSCSRConcurrent}
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			outcomes := run(t, &fakeDialer{}, Options{Mode: mode}, 5)
			checkOneOutcomeEach(t, outcomes, 5)
			for _, o := range outcomes {
				if o.State != StateCompleted || o.Kind != KindNone || o.Err != nil {
					t.Errorf("outcome %d: %s %s %v", o.Index, o.State, o.Kind, o.Err)
				}
				want := int64(len(fmt.Sprintf("body of /%d", o.Index)))
				if o.Bytes != want {
					t.Errorf("outcome %d: expected %d bytes, got %d", o.Index, want, o.Bytes)
				}
				if len(o.Digest) != 64 {
					t.Errorf("outcome %d: unexpected digest %q", o.Index, o.Digest)
				}
			}
		})
	}
}

func TestRunEmptyBatch(t *testing.T) {
	d := &fakeDialer{}
	outcomes := run(t, d, Options{Mode: config.ModeSCMR}, 0)
	if len(outcomes) != 0 || d.dials.Load() != 0 {
		t.Errorf("empty batch produced %d outcomes and %d dials", len(outcomes), d.dials.Load())
	}
}

func TestSCMRUsesOneConnection(t *testing.T) {
	d := &fakeDialer{}
	outcomes := run(t, d, Options{Mode: config.ModeSCMR}, 6)
	checkOneOutcomeEach(t, outcomes, 6)

	if got := d.dials.Load(); got != 1 {
		t.Errorf("expected exactly one dial, got %d", got)
	}
	if got := d.opens.Load(); got != 6 {
		t.Errorf("expected 6 stream opens, got %d", got)
	}
	seen := map[int64]bool{}
	for _, o := range outcomes {
		if o.ConnID != "conn-1" {
			t.Errorf("outcome %d on connection %q", o.Index, o.ConnID)
		}
		if seen[o.StreamID] {
			t.Errorf("stream %d reused", o.StreamID)
		}
		seen[o.StreamID] = true
	}
	// streams are opened in batch order
	for i, o := range outcomes {
		if o.StreamID != int64(i)*4 {
			t.Errorf("request %d got stream %d", i, o.StreamID)
		}
	}
	if d.active.Load() != 0 {
		t.Error("connection not closed after run")
	}
}

func TestSCMRStreamOpenFailure(t *testing.T) {
	d := &fakeDialer{failOpen: 2}
	outcomes := run(t, d, Options{Mode: config.ModeSCMR}, 3)
	checkOneOutcomeEach(t, outcomes, 3)

	if outcomes[1].State != StateFailed || outcomes[1].Kind != KindStream {
		t.Errorf("expected request 1 to fail with StreamError, got %s %s", outcomes[1].State, outcomes[1].Kind)
	}
	if outcomes[0].State != StateCompleted || outcomes[2].State != StateCompleted {
		t.Errorf("siblings should complete: %s %s", outcomes[0].State, outcomes[2].State)
	}
}

func TestSCMRDialFailureFailsAll(t *testing.T) {
	d := &fakeDialer{failDial: 1}
	outcomes := run(t, d, Options{Mode: config.ModeSCMR}, 4)
	checkOneOutcomeEach(t, outcomes, 4)
	for _, o := range outcomes {
		if o.State != StateFailed || o.Kind != KindConn || !errors.Is(o.Err, errDialRefused) {
			t.Errorf("outcome %d: %s %s %v", o.Index, o.State, o.Kind, o.Err)
		}
	}
	if d.opens.Load() != 0 {
		t.Errorf("streams opened on a failed connection: %d", d.opens.Load())
	}
}

func TestSerialDoesNotOverlap(t *testing.T) {
	d := &fakeDialer{delay: 10 * time.Millisecond}
	outcomes := run(t, d, Options{Mode: config.ModeSCSRSerial}, 4)
	checkOneOutcomeEach(t, outcomes, 4)

	if got := d.dials.Load(); got != 4 {
		t.Errorf("expected one dial per request, got %d", got)
	}
	if got := d.peak.Load(); got != 1 {
		t.Errorf("expected at most one open connection, got %d", got)
	}
	ivs := d.Intervals()
	for i := 1; i < len(ivs); i++ {
		if ivs[i].start.Before(ivs[i-1].end) {
			t.Errorf("request %d started before request %d ended", ivs[i].index, ivs[i-1].index)
		}
	}
}

func TestSerialContinuesAfterFailure(t *testing.T) {
	d := &fakeDialer{failDial: 1}
	outcomes := run(t, d, Options{Mode: config.ModeSCSRSerial}, 3)
	checkOneOutcomeEach(t, outcomes, 3)

	if outcomes[0].State != StateFailed || outcomes[0].Kind != KindConn {
		t.Errorf("expected request 0 to fail with ConnError, got %s %s", outcomes[0].State, outcomes[0].Kind)
	}
	for _, o := range outcomes[1:] {
		if o.State != StateCompleted {
			t.Errorf("request %d should complete after an earlier failure, got %s", o.Index, o.State)
		}
	}
}

func TestConcurrentOverlaps(t *testing.T) {
	d := &fakeDialer{delay: 50 * time.Millisecond}
	outcomes := run(t, d, Options{Mode: config.ModeSCSRConcurrent}, 3)
	checkOneOutcomeEach(t, outcomes, 3)

	ivs := d.Intervals()
	var latestStart, earliestEnd time.Time
	for i, iv := range ivs {
		if i == 0 || iv.start.After(latestStart) {
			latestStart = iv.start
		}
		if i == 0 || iv.end.Before(earliestEnd) {
			earliestEnd = iv.end
		}
	}
	if !latestStart.Before(earliestEnd) {
		t.Error("expected all exchanges to overlap in time")
	}
	if got := d.dials.Load(); got != 3 {
		t.Errorf("expected 3 dials, got %d", got)
	}
}

func TestConcurrentRespectsLimit(t *testing.T) {
	d := &fakeDialer{delay: 10 * time.Millisecond}
	outcomes := run(t, d, Options{Mode: config.ModeSCSRConcurrent, MaxConcurrent: 2}, 6)
	checkOneOutcomeEach(t, outcomes, 6)
	if got := d.peak.Load(); got > 2 {
		t.Errorf("expected at most 2 open connections, got %d", got)
	}
}

func TestConcurrentPartialFailure(t *testing.T) {
	d := &fakeDialer{failDial: 2}
	outcomes := run(t, d, Options{Mode: config.ModeSCSRConcurrent}, 3)
	checkOneOutcomeEach(t, outcomes, 3)

	var completed, failed int
	for _, o := range outcomes {
		switch o.State {
		case StateCompleted:
			completed++
		case StateFailed:
			failed++
			if o.Kind != KindConn {
				t.Errorf("expected ConnError, got %s", o.Kind)
			}
			var uerr *UnitError
			if !errors.As(o.Err, &uerr) || uerr.Kind != KindConn {
				t.Errorf("expected *UnitError, got %v", o.Err)
			}
		}
	}
	if completed != 2 || failed != 1 {
		t.Errorf("expected 2 completed and 1 failed, got %d and %d", completed, failed)
	}
}

func TestLifetimeExpirySerial(t *testing.T) {
	d := &fakeDialer{delay: 40 * time.Millisecond}
	rec := &recorder{}
	lifetime := 100 * time.Millisecond
	start := time.Now()
	s := New(d, rec, Options{Mode: config.ModeSCSRSerial, Lifetime: lifetime})
	if err := s.Run(context.Background(), makeBatch(t, 6)); err != nil {
		t.Fatalf("run: %v", err)
	}
	outcomes := rec.sorted()
	checkOneOutcomeEach(t, outcomes, 6)

	var timedOut int
	for _, o := range outcomes {
		switch {
		case o.State == StateCompleted:
		case o.Kind == KindTimeout:
			timedOut++
			if !errors.Is(o.Err, ErrLifetimeExpired) && !errors.Is(o.Err, context.DeadlineExceeded) {
				t.Errorf("outcome %d: unexpected error %v", o.Index, o.Err)
			}
		default:
			t.Errorf("outcome %d: expected Completed or Timeout, got %s %s", o.Index, o.State, o.Kind)
		}
	}
	if timedOut == 0 {
		t.Fatal("expected some requests to time out")
	}
	expiry := start.Add(lifetime)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, at := range d.dialTimes {
		if at.After(expiry.Add(5 * time.Millisecond)) {
			t.Errorf("dial at %v after lifetime expired", at.Sub(start))
		}
	}
}

func TestLifetimeExpirySCMRStopsOpening(t *testing.T) {
	d := &fakeDialer{blockAfter: 1}
	outcomes := run(t, d, Options{Mode: config.ModeSCMR, Lifetime: 50 * time.Millisecond}, 5)
	checkOneOutcomeEach(t, outcomes, 5)

	if outcomes[0].State != StateCompleted {
		t.Errorf("expected request 0 to complete, got %s", outcomes[0].State)
	}
	for _, o := range outcomes[1:] {
		if o.State != StateFailed || o.Kind != KindTimeout {
			t.Errorf("outcome %d: expected Timeout, got %s %s", o.Index, o.State, o.Kind)
		}
	}
	if got := d.opens.Load(); got != 2 {
		t.Errorf("expected no stream opens after expiry, got %d opens", got)
	}
}

func TestCanceledRun(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(d, rec, Options{Mode: config.ModeSCSRConcurrent}).Run(ctx, makeBatch(t, 3)); err != nil {
		t.Fatalf("run: %v", err)
	}
	outcomes := rec.sorted()
	checkOneOutcomeEach(t, outcomes, 3)
	for _, o := range outcomes {
		if o.Kind != KindCanceled {
			t.Errorf("outcome %d: expected Canceled, got %s", o.Index, o.Kind)
		}
	}
	if d.dials.Load() != 0 {
		t.Errorf("expected no dials on a canceled run, got %d", d.dials.Load())
	}
}

func TestUnknownMode(t *testing.T) {
	rec := &recorder{}
	err := New(&fakeDialer{}, rec, Options{Mode: config.Mode(9)}).Run(context.Background(), makeBatch(t, 1))
	if !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
	if len(rec.sorted()) != 0 {
		t.Error("no outcomes expected for an invalid mode")
	}
}

type memBody struct {
	bytes.Buffer
	finished bool
	ok       bool
}

func (b *memBody) Finish(ok bool) error {
	b.finished, b.ok = true, ok
	return nil
}

type memSink struct {
	mu     sync.Mutex
	bodies map[int]*memBody
}

func (s *memSink) Open(index int, _ request.Descriptor) (Body, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &memBody{}
	s.bodies[index] = b
	return b, nil
}

func TestBodiesWrittenToSink(t *testing.T) {
	sink := &memSink{bodies: map[int]*memBody{}}
	outcomes := run(t, &fakeDialer{}, Options{Mode: config.ModeSCMR, Bodies: sink}, 3)
	checkOneOutcomeEach(t, outcomes, 3)

	for i := 0; i < 3; i++ {
		b := sink.bodies[i]
		if b == nil {
			t.Fatalf("no body for request %d", i)
		}
		if want := fmt.Sprintf("body of /%d", i); b.String() != want {
			t.Errorf("body %d = %q, want %q", i, b.String(), want)
		}
		if !b.finished || !b.ok {
			t.Errorf("body %d not finished successfully", i)
		}
	}
}

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateConnecting, true},
		{StatePending, StateFailed, true},
		{StateConnecting, StateActive, true},
		{StateConnecting, StateFailed, true},
		{StateActive, StateCompleted, true},
		{StateActive, StateFailed, true},
		{StatePending, StateActive, false},
		{StatePending, StateCompleted, false},
		{StateConnecting, StateCompleted, false},
		{StateCompleted, StateFailed, false},
		{StateFailed, StateCompleted, false},
	}
	for _, tt := range tests {
		err := checkTransition(tt.from, tt.to)
		if (err == nil) != tt.ok {
			t.Errorf("%s -> %s: ok=%v, err=%v", tt.from, tt.to, tt.ok, err)
		}
		if err != nil && !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("expected ErrIllegalTransition, got %v", err)
		}
	}
}

func TestPacedDials(t *testing.T) {
	d := &fakeDialer{}
	start := time.Now()
	outcomes := run(t, d, Options{Mode: config.ModeSCSRSerial, Pacer: ratelimit.NewTokenBucket(20, 1)}, 3)
	checkOneOutcomeEach(t, outcomes, 3)
	// the first dial uses the burst, the other two wait 50ms each
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("expected paced dials to take at least 90ms, took %v", elapsed)
	}
}

func TestSCMRIdleTimeoutKeepsFinishedStreams(t *testing.T) {
	d := &fakeDialer{idleAfter: 2}
	outcomes := run(t, d, Options{Mode: config.ModeSCMR}, 5)
	checkOneOutcomeEach(t, outcomes, 5)

	for _, o := range outcomes[:2] {
		if o.State != StateCompleted {
			t.Errorf("finished request %d: expected Completed, got %s %v", o.Index, o.State, o.Err)
		}
	}
	for _, o := range outcomes[2:] {
		if o.State != StateFailed || o.Kind != KindTimeout {
			t.Errorf("pending request %d: expected Failed/Timeout, got %s/%s", o.Index, o.State, o.Kind)
		}
		if !transport.IsTimeout(o.Err) {
			t.Errorf("request %d: expected the idle timeout as cause, got %v", o.Index, o.Err)
		}
	}
	if got := d.opens.Load(); got != 3 {
		t.Errorf("expected no stream opens after the connection expired, got %d opens", got)
	}
}

func TestDialTimeoutIsConnError(t *testing.T) {
	modes := []config.Mode{config.ModeSCMR, config.ModeSCSRSerial, config.ModeSCSRConcurrent}
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			d := &fakeDialer{failDial: 1, dialErr: idleTimeoutError{}}
			outcomes := run(t, d, Options{Mode: mode}, 1)
			checkOneOutcomeEach(t, outcomes, 1)
			if o := outcomes[0]; o.State != StateFailed || o.Kind != KindConn {
				t.Errorf("expected Failed/ConnError, got %s/%s", o.State, o.Kind)
			}
		})
	}
}

func TestUnreachableServerIsConnError(t *testing.T) {
	// a bound socket that never answers the handshake
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	sec := config.Default().Sec
	dialer := transport.NewQUICDialer(transport.DialerOptions{
		Target:           pc.LocalAddr().String(),
		TLS:              quicutil.MakeClientTLSConfig(sec, quicutil.ClientOptions{ServerName: "localhost"}),
		ALPN:             sec.ALPN,
		IdleTimeout:      5 * time.Second,
		HandshakeTimeout: 300 * time.Millisecond,
	})
	for _, mode := range []config.Mode{config.ModeSCMR, config.ModeSCSRConcurrent} {
		t.Run(mode.String(), func(t *testing.T) {
			rec := &recorder{}
			if err := New(dialer, rec, Options{Mode: mode}).Run(context.Background(), makeBatch(t, 2)); err != nil {
				t.Fatalf("run: %v", err)
			}
			outcomes := rec.sorted()
			checkOneOutcomeEach(t, outcomes, 2)
			for _, o := range outcomes {
				if o.State != StateFailed || o.Kind != KindConn {
					t.Errorf("request %d: expected Failed/ConnError, got %s/%s (%v)", o.Index, o.State, o.Kind, o.Err)
				}
			}
		})
	}
}
