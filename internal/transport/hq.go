package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/quantarax/quicreq/internal/observability"
	"github.com/quantarax/quicreq/internal/request"
	"github.com/quic-go/quic-go"
)

const (
	maxRequestLine = 2048

	errCodeNotFound   quic.StreamErrorCode = 0x1
	errCodeBadRequest quic.StreamErrorCode = 0x2
)

// hqStream performs an hq-interop (HTTP/0.9 over QUIC) exchange.
type hqStream struct {
	str     *quic.Stream
	metrics *observability.Metrics
}

func (s *hqStream) ID() int64 { return int64(s.str.StreamID()) }

func (s *hqStream) Exchange(ctx context.Context, req request.Descriptor, body io.Writer) (Response, error) {
	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	stop := context.AfterFunc(ctx, func() {
		s.str.CancelRead(errCodeCanceled)
		s.str.CancelWrite(errCodeCanceled)
	})
	defer stop()

	if _, err := io.WriteString(s.str, "GET "+req.Path+"\r\n"); err != nil {
		return Response{}, exchangeErr(ctx, "send request", err)
	}
	if err := s.str.Close(); err != nil {
		return Response{}, exchangeErr(ctx, "close send side", err)
	}
	n, err := io.Copy(body, s.str)
	if err != nil {
		return Response{Bytes: n}, exchangeErr(ctx, "receive body", err)
	}
	return Response{Bytes: n}, nil
}

// exchangeErr prefers the context error so that lifetime expiry is not
// reported as a stream reset.
func exchangeErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// HQServer serves hq-interop requests from a file system.
type HQServer struct {
	Root   fs.FS
	Logger *observability.Logger
}

// ServeConn accepts request streams until the connection closes.
func (h *HQServer) ServeConn(ctx context.Context, conn *quic.Conn) {
	for {
		str, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go h.serveStream(str)
	}
}

func (h *HQServer) serveStream(str *quic.Stream) {
	name, err := readRequestLine(str)
	if err != nil {
		str.CancelRead(errCodeBadRequest)
		str.CancelWrite(errCodeBadRequest)
		return
	}
	f, err := h.Root.Open(name)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Debug("hq: not found: " + name)
		}
		str.CancelWrite(errCodeNotFound)
		return
	}
	defer f.Close()
	if _, err := io.Copy(str, f); err != nil {
		str.CancelWrite(errCodeCanceled)
		return
	}
	_ = str.Close()
}

// readRequestLine parses "GET /path\r\n" into an fs.FS name.
func readRequestLine(r io.Reader) (string, error) {
	line, err := bufio.NewReaderSize(io.LimitReader(r, maxRequestLine), maxRequestLine).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	method, target, ok := strings.Cut(line, " ")
	if !ok || method != "GET" || !strings.HasPrefix(target, "/") {
		return "", fmt.Errorf("%w: %q", ErrBadRequestLine, line)
	}
	if i := strings.IndexByte(target, '?'); i >= 0 {
		target = target[:i]
	}
	name := strings.TrimPrefix(path.Clean(target), "/")
	if name == "" {
		name = "index.html"
	}
	if !fs.ValidPath(name) {
		return "", fmt.Errorf("%w: %q", ErrBadRequestLine, target)
	}
	return name, nil
}
