// Package transport is the thin adapter between the scheduler and the QUIC
// engine: it opens connections and streams and performs one request/response
// exchange per stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/quantarax/quicreq/internal/request"
)

// Dialer opens connections to the configured server.
type Dialer interface {
	// Dial returns once the connection can carry requests.
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one established transport connection.
type Conn interface {
	ID() string
	// OpenStream blocks while the peer's stream limit is reached.
	OpenStream(ctx context.Context) (Stream, error)
	// Done is closed when the connection is gone, e.g. after the idle timeout.
	Done() <-chan struct{}
	// Err returns why the connection is gone, or nil while it is usable.
	Err() error
	Close() error
}

// Stream carries exactly one request.
type Stream interface {
	ID() int64
	// Exchange sends req and copies the response body into body.
	Exchange(ctx context.Context, req request.Descriptor, body io.Writer) (Response, error)
}

// Response summarises a finished exchange. Status is 0 for hq-interop,
// which has no status line.
type Response struct {
	Status int
	Bytes  int64
}

// StatusError reports a non-success HTTP/3 status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("server returned status %d", e.Code) }

var ErrBadRequestLine = errors.New("malformed hq request line")

// IsTimeout reports whether err was caused by an idle, handshake or
// deadline timeout.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
