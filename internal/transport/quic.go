package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quantarax/quicreq/internal/config"
	"github.com/quantarax/quicreq/internal/observability"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

const (
	errCodeNoError  quic.ApplicationErrorCode = 0x0
	errCodeCanceled quic.StreamErrorCode      = 0x10c
)

// DialerOptions configures a QUICDialer.
type DialerOptions struct {
	// Target is the host:port to dial.
	Target           string
	TLS              *tls.Config
	ALPN             config.ALPN
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	Use0RTT          bool
	Logger           *observability.Logger
	Metrics          *observability.Metrics
}

// QUICDialer dials quic-go connections. Connections of one dialer share an
// address validation token store.
type QUICDialer struct {
	opts     DialerOptions
	quicConf *quic.Config
	h3       *http3.Transport
}

var _ Dialer = (*QUICDialer)(nil)

func NewQUICDialer(opts DialerOptions) *QUICDialer {
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}
	return &QUICDialer{
		opts: opts,
		quicConf: &quic.Config{
			MaxIdleTimeout:                 opts.IdleTimeout,
			HandshakeIdleTimeout:           opts.HandshakeTimeout,
			InitialStreamReceiveWindow:     8 << 20,
			InitialConnectionReceiveWindow: 128 << 20,
			TokenStore:                     quic.NewLRUTokenStore(16, 4),
		},
		h3: &http3.Transport{},
	}
}

// Dial establishes a connection. Without 0-RTT it waits for the handshake
// to complete; with 0-RTT it returns as soon as early data may be sent.
func (d *QUICDialer) Dial(ctx context.Context) (Conn, error) {
	_, span := observability.Tracer().Start(ctx, "quic.dial")
	defer span.End()

	conn, err := quic.DialAddrEarly(ctx, d.opts.Target, d.opts.TLS.Clone(), d.quicConf)
	if err != nil {
		d.opts.Metrics.RecordQUICConnection(false)
		d.opts.Logger.ConnectionFailed(d.opts.Target, err)
		span.RecordError(err)
		return nil, fmt.Errorf("dial %s: %w", d.opts.Target, err)
	}

	c := &quicConn{
		id:      uuid.NewString(),
		conn:    conn,
		alpn:    d.opts.ALPN,
		opened:  time.Now(),
		metrics: d.opts.Metrics,
		logger:  d.opts.Logger,
	}
	if c.alpn == config.ALPNH3 {
		c.h3 = d.h3.NewClientConn(conn)
	}

	if d.opts.Use0RTT {
		// the handshake finishes in the background; it is counted once its
		// result is known
		go func() {
			select {
			case <-conn.HandshakeComplete():
			case <-conn.Context().Done():
				select {
				case <-conn.HandshakeComplete():
				default:
					d.opts.Metrics.RecordQUICConnection(false)
					d.opts.Logger.ConnectionFailed(d.opts.Target, context.Cause(conn.Context()))
					return
				}
			}
			c.handshakeDone()
		}()
		return c, nil
	}

	select {
	case <-conn.HandshakeComplete():
	case <-conn.Context().Done():
		err := context.Cause(conn.Context())
		d.opts.Metrics.RecordQUICConnection(false)
		d.opts.Logger.ConnectionFailed(d.opts.Target, err)
		return nil, fmt.Errorf("handshake with %s: %w", d.opts.Target, err)
	case <-ctx.Done():
		_ = conn.CloseWithError(errCodeNoError, "canceled")
		d.opts.Metrics.RecordQUICConnection(false)
		return nil, ctx.Err()
	}
	c.handshakeDone()
	return c, nil
}

type quicConn struct {
	id      string
	conn    *quic.Conn
	alpn    config.ALPN
	h3      *http3.ClientConn
	opened  time.Time
	metrics *observability.Metrics
	logger  *observability.Logger

	mu      sync.Mutex
	nextSeq int64
	closed  bool
	// counted is set once the connection is in the active gauge.
	counted bool
}

// handshakeDone runs once per connection after the handshake completed.
// TLS secrets reach the key log writer during the handshake itself.
func (c *quicConn) handshakeDone() {
	c.mu.Lock()
	if !c.closed {
		c.counted = true
		c.metrics.RecordQUICConnection(true)
	}
	c.mu.Unlock()

	st := c.conn.ConnectionState()
	c.metrics.RecordHandshake(st.TLS.DidResume)
	c.logger.ConnectionEstablished(c.conn.RemoteAddr().String(), c.id, st.TLS.NegotiatedProtocol, st.TLS.DidResume)
}

func (c *quicConn) ID() string { return c.id }

func (c *quicConn) Done() <-chan struct{} { return c.conn.Context().Done() }

func (c *quicConn) Err() error {
	if c.conn.Context().Err() == nil {
		return nil
	}
	return context.Cause(c.conn.Context())
}

func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	switch c.alpn {
	case config.ALPNH3:
		rs, err := c.h3.OpenRequestStream(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		seq := c.nextSeq
		c.nextSeq++
		c.mu.Unlock()
		return &h3Stream{seq: seq, str: rs, metrics: c.metrics}, nil
	default:
		str, err := c.conn.OpenStreamSync(ctx)
		if err != nil {
			return nil, err
		}
		return &hqStream{str: str, metrics: c.metrics}, nil
	}
}

func (c *quicConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	counted := c.counted
	c.mu.Unlock()

	if counted {
		c.metrics.RecordQUICConnectionClose(time.Since(c.opened).Seconds())
	}
	c.logger.ConnectionClosed(c.id, time.Since(c.opened))
	return c.conn.CloseWithError(errCodeNoError, "done")
}

// Listener wraps a QUIC listener accepting 0-RTT connections.
type Listener struct {
	listener *quic.EarlyListener
}

// ListenQUIC starts a QUIC listener.
func ListenQUIC(addr string, tlsConfig *tls.Config, idleTimeout time.Duration) (*Listener, error) {
	listener, err := quic.ListenAddrEarly(addr, tlsConfig, &quic.Config{
		MaxIdleTimeout:                 idleTimeout,
		Allow0RTT:                      true,
		InitialStreamReceiveWindow:     8 << 20,
		InitialConnectionReceiveWindow: 128 << 20,
	})
	if err != nil {
		return nil, err
	}
	return &Listener{listener: listener}, nil
}

// Accept accepts a new QUIC connection.
func (l *Listener) Accept(ctx context.Context) (*quic.Conn, error) {
	return l.listener.Accept(ctx)
}

// Close closes the listener
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address
func (l *Listener) Addr() string {
	return l.listener.Addr().String()
}
