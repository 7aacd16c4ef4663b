package transport

import (
	"context"
	"io"
	"net/http"

	"github.com/quantarax/quicreq/internal/observability"
	"github.com/quantarax/quicreq/internal/request"
	"github.com/quic-go/quic-go/http3"
)

// H3_REQUEST_CANCELLED
const h3RequestCancelled = 0x10c

// h3Stream performs one HTTP/3 request on its own request stream.
type h3Stream struct {
	seq     int64
	str     *http3.RequestStream
	metrics *observability.Metrics
}

func (s *h3Stream) ID() int64 { return s.seq }

func (s *h3Stream) Exchange(ctx context.Context, req request.Descriptor, body io.Writer) (Response, error) {
	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	stop := context.AfterFunc(ctx, func() {
		s.str.CancelRead(h3RequestCancelled)
		s.str.CancelWrite(h3RequestCancelled)
	})
	defer stop()

	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), req.Scheme+"://"+req.Authority+req.Path, nil)
	if err != nil {
		return Response{}, err
	}
	if err := s.str.SendRequestHeader(httpReq); err != nil {
		return Response{}, exchangeErr(ctx, "send request", err)
	}
	_ = s.str.Close()

	resp, err := s.str.ReadResponse()
	if err != nil {
		return Response{}, exchangeErr(ctx, "read response", err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(body, resp.Body)
	out := Response{Status: resp.StatusCode, Bytes: n}
	if err != nil {
		return out, exchangeErr(ctx, "receive body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &StatusError{Code: resp.StatusCode}
	}
	return out, nil
}
