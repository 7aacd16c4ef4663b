// Package request turns the comma separated URL list given on the command
// line into an ordered, bounded batch of request descriptors.
package request

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	// MaxRequests caps the number of URLs in one batch.
	MaxRequests = 2048
	// MaxURLLen caps the length of a single URL.
	MaxURLLen = 256
)

var (
	ErrRequestCountExceeded = errors.New("request count exceeded")
	ErrRequestTooLong       = errors.New("request too long")
	ErrEmptyURL             = errors.New("empty url")
	ErrInvalidURL           = errors.New("invalid url")
)

// ParseError is returned for a batch that cannot be scheduled.
type ParseError struct {
	Index int
	URL   string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("parse requests: %v", e.Err)
	}
	return fmt.Sprintf("parse request %d %q: %v", e.Index, e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type Method string

const (
	MethodGet Method = "GET"
)

// Descriptor is one parsed request.
type Descriptor struct {
	Scheme    string
	Authority string
	Path      string
	Method    Method
	URL       string
}

// Host returns the authority without its port.
func (d Descriptor) Host() string {
	if u, err := url.Parse("//" + d.Authority); err == nil {
		return u.Hostname()
	}
	return d.Authority
}

// Port returns the authority port, or the empty string.
func (d Descriptor) Port() string {
	if u, err := url.Parse("//" + d.Authority); err == nil {
		return u.Port()
	}
	return ""
}

// Batch is an ordered, immutable sequence of requests.
type Batch struct {
	reqs []Descriptor
}

// NewBatch validates the count bound and copies reqs.
func NewBatch(reqs []Descriptor) (Batch, error) {
	if len(reqs) > MaxRequests {
		return Batch{}, &ParseError{Index: -1, Err: fmt.Errorf("%w: %d > %d", ErrRequestCountExceeded, len(reqs), MaxRequests)}
	}
	return Batch{reqs: append([]Descriptor(nil), reqs...)}, nil
}

func (b Batch) Len() int { return len(b.reqs) }

// At returns the i-th request.
func (b Batch) At(i int) Descriptor { return b.reqs[i] }

// All returns a copy of the requests in batch order.
func (b Batch) All() []Descriptor { return append([]Descriptor(nil), b.reqs...) }

// Authority returns the authority of the first request, or the empty string
// for an empty batch.
func (b Batch) Authority() string {
	if len(b.reqs) == 0 {
		return ""
	}
	return b.reqs[0].Authority
}

// Parse splits raw on commas and parses every URL. Every fragment either
// yields a descriptor or fails the whole batch.
func Parse(raw string) (Batch, error) {
	parts := strings.Split(raw, ",")
	if len(parts) > MaxRequests {
		return Batch{}, &ParseError{Index: -1, Err: fmt.Errorf("%w: %d > %d", ErrRequestCountExceeded, len(parts), MaxRequests)}
	}
	return ParseList(parts)
}

// ParseList parses already split URLs, e.g. from a configuration file.
func ParseList(urls []string) (Batch, error) {
	if len(urls) > MaxRequests {
		return Batch{}, &ParseError{Index: -1, Err: fmt.Errorf("%w: %d > %d", ErrRequestCountExceeded, len(urls), MaxRequests)}
	}
	reqs := make([]Descriptor, 0, len(urls))
	for i, u := range urls {
		d, err := ParseURL(u)
		if err != nil {
			return Batch{}, &ParseError{Index: i, URL: u, Err: err}
		}
		reqs = append(reqs, d)
	}
	return Batch{reqs: reqs}, nil
}

// ParseURL parses a single URL. A missing scheme defaults to https and a
// missing path to "/".
func ParseURL(raw string) (Descriptor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Descriptor{}, ErrEmptyURL
	}
	if len(raw) > MaxURLLen {
		return Descriptor{}, fmt.Errorf("%w: %d > %d", ErrRequestTooLong, len(raw), MaxURLLen)
	}

	full := raw
	if !strings.Contains(raw, "://") {
		full = "https://" + raw
	}
	u, err := url.Parse(full)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Descriptor{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return Descriptor{}, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	return Descriptor{
		Scheme:    scheme,
		Authority: u.Host,
		Path:      path,
		Method:    MethodGet,
		URL:       raw,
	}, nil
}
