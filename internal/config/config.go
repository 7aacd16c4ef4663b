// Package config holds the typed settings of the demo client: network,
// security and environment configuration plus the execution mode.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/quantarax/quicreq/internal/validation"
	"github.com/rs/zerolog"
)

const (
	MaxServerAddrLen      = 64
	MaxPathLen            = 256
	MaxSessionTicketLen   = 2048
	MaxTransportParamsLen = 2048
	MaxTokenLen           = 256
	// MaxConnections matches the largest batch.
	MaxConnections = 2048

	DefaultLogPath = "clog.log"
	DefaultKeyPath = "ckeys.log"
	DefaultOutDir  = "."
)

// ConfigError reports invalid or out-of-range settings.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ErrUnknownValue is wrapped by ConfigError for unrecognised enum codes.
var ErrUnknownValue = errors.New("unknown value")

// Mode selects how requests are distributed over connections and streams.
type Mode int

const (
	// ModeSCMR sends every request on its own stream of one shared connection.
	ModeSCMR Mode = iota
	// ModeSCSRSerial opens one connection per request, one at a time.
	ModeSCSRSerial
	// ModeSCSRConcurrent opens one connection per request, all at once.
	ModeSCSRConcurrent
)

func (m Mode) String() string {
	switch m {
	case ModeSCMR:
		return "SCMR"
	case ModeSCSRSerial:
		return "SCSR_SERIAL"
	case ModeSCSRConcurrent:
		return "SCSR_CONCURRENT"
	default:
		return "UNKNOWN"
	}
}

// ParseMode maps the numeric CLI code onto a Mode.
func ParseMode(code int) (Mode, error) {
	switch code {
	case 0:
		return ModeSCMR, nil
	case 1:
		return ModeSCSRSerial, nil
	case 2:
		return ModeSCSRConcurrent, nil
	}
	return 0, &ConfigError{Field: "mode", Err: fmt.Errorf("%w: %d", ErrUnknownValue, code)}
}

// CongestionControl names the congestion control algorithm requested from the engine.
type CongestionControl int

const (
	CCCubic CongestionControl = iota
	CCReno
	CCBBR
)

func (c CongestionControl) String() string {
	switch c {
	case CCReno:
		return "reno"
	case CCCubic:
		return "cubic"
	case CCBBR:
		return "bbr"
	default:
		return "unknown"
	}
}

// ALPN selects the application protocol negotiated during the handshake.
type ALPN int

const (
	ALPNHQ ALPN = iota
	ALPNH3
)

// Wire returns the protocol identifier sent in the TLS handshake.
func (a ALPN) Wire() string {
	if a == ALPNH3 {
		return "h3"
	}
	return "hq-interop"
}

func (a ALPN) String() string { return a.Wire() }

// NetworkConfig describes where and how to connect.
type NetworkConfig struct {
	Host string
	Port int
	// Addr is the resolved IP form of Host, filled by Resolve.
	Addr net.IP
	IPv6 bool

	CongestionControl CongestionControl
	Pacing            bool
	IdleTimeout       time.Duration
	HandshakeTimeout  time.Duration
	Mode              Mode

	// MaxConcurrentConnections bounds the concurrent mode; 0 means one
	// goroutine per request.
	MaxConcurrentConnections int
	// DialRate paces connection opens per second; 0 disables pacing.
	DialRate float64
}

// SecurityConfig carries TLS and 0-RTT settings.
type SecurityConfig struct {
	ALPN ALPN

	SessionTicket   []byte
	TransportParams []byte
	Token           []byte

	CipherSuites       string
	Use0RTT            bool
	KeyUpdateThreshold uint64

	ServerName         string
	InsecureSkipVerify bool
	TicketStorePath    string
}

// EnvironmentConfig carries process level settings.
type EnvironmentConfig struct {
	LogPath    string
	LogLevel   zerolog.Level
	OutDir     string
	KeyExport  bool
	KeyOutPath string
	// Lifetime is the hard deadline of the whole run; 0 runs until the batch completes.
	Lifetime    time.Duration
	MetricsAddr string
	SaveBodies  bool
}

// Config bundles the settings handed to the scheduler.
type Config struct {
	Net NetworkConfig
	Sec SecurityConfig
	Env EnvironmentConfig
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		Net: NetworkConfig{
			Host:              "127.0.0.1",
			Port:              8443,
			CongestionControl: CCCubic,
			IdleTimeout:       30 * time.Second,
			HandshakeTimeout:  10 * time.Second,
			Mode:              ModeSCMR,
		},
		Sec: SecurityConfig{
			ALPN:               ALPNHQ,
			KeyUpdateThreshold: math.MaxUint64,
			InsecureSkipVerify: true,
		},
		Env: EnvironmentConfig{
			LogPath:    DefaultLogPath,
			LogLevel:   zerolog.DebugLevel,
			OutDir:     DefaultOutDir,
			KeyOutPath: DefaultKeyPath,
			SaveBodies: true,
		},
	}
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

// SetHost stores the server host, truncated to MaxServerAddrLen.
func (n *NetworkConfig) SetHost(host string) {
	n.Host = truncate(host, MaxServerAddrLen)
	n.Addr = nil
}

// SetCongestionControl selects the algorithm by its first character
// (b: bbr, c: cubic, r: reno). Unrecognised codes keep the previous value
// and report false.
func (n *NetworkConfig) SetCongestionControl(code string) bool {
	if code == "" {
		return false
	}
	switch code[0] {
	case 'b':
		n.CongestionControl = CCBBR
	case 'c':
		n.CongestionControl = CCCubic
	case 'r':
		n.CongestionControl = CCReno
	default:
		return false
	}
	return true
}

// Resolve fills Addr and IPv6 from Host.
func (n *NetworkConfig) Resolve() error {
	if ip := net.ParseIP(n.Host); ip != nil {
		n.Addr = ip
		n.IPv6 = ip.To4() == nil
		return nil
	}
	ua, err := net.ResolveUDPAddr("udp", net.JoinHostPort(n.Host, "0"))
	if err != nil {
		return &ConfigError{Field: "host", Err: fmt.Errorf("%w: %v", validation.ErrInvalidHost, err)}
	}
	n.Addr = ua.IP
	n.IPv6 = ua.IP.To4() == nil
	return nil
}

// Target returns the host:port dial target, preferring the resolved address.
func (n *NetworkConfig) Target() string {
	host := n.Host
	if n.Addr != nil {
		host = n.Addr.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(n.Port))
}

// SetALPN accepts "h3" or "hq". Other names keep the previous ALPN and report false.
func (s *SecurityConfig) SetALPN(name string) bool {
	switch name {
	case "h3":
		s.ALPN = ALPNH3
	case "hq":
		s.ALPN = ALPNHQ
	default:
		return false
	}
	return true
}

// SetSessionTicket stores a copy of the ticket, rejecting oversize input.
func (s *SecurityConfig) SetSessionTicket(b []byte) error {
	if err := validation.ValidateMaxLen("session ticket", b, MaxSessionTicketLen); err != nil {
		return &ConfigError{Field: "session_ticket", Err: err}
	}
	s.SessionTicket = append([]byte(nil), b...)
	return nil
}

// SetTransportParams stores a copy of the transport parameter blob.
func (s *SecurityConfig) SetTransportParams(b []byte) error {
	if err := validation.ValidateMaxLen("transport params", b, MaxTransportParamsLen); err != nil {
		return &ConfigError{Field: "transport_params", Err: err}
	}
	s.TransportParams = append([]byte(nil), b...)
	return nil
}

// SetToken stores a copy of the address validation token.
func (s *SecurityConfig) SetToken(b []byte) error {
	if err := validation.ValidateMaxLen("token", b, MaxTokenLen); err != nil {
		return &ConfigError{Field: "token", Err: err}
	}
	s.Token = append([]byte(nil), b...)
	return nil
}

// CipherSuiteIDs resolves the colon separated cipher suite names.
func (s *SecurityConfig) CipherSuiteIDs() ([]uint16, error) {
	if s.CipherSuites == "" {
		return nil, nil
	}
	known := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs.ID
	}
	var ids []uint16
	for _, name := range strings.Split(s.CipherSuites, ":") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := known[name]
		if !ok {
			return nil, &ConfigError{Field: "cipher_suites", Err: fmt.Errorf("%w: %s", ErrUnknownValue, name)}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *EnvironmentConfig) SetLogPath(p string) { e.LogPath = truncate(p, MaxPathLen-1) }

func (e *EnvironmentConfig) SetOutDir(p string) { e.OutDir = truncate(p, MaxPathLen-1) }

// SetKeyOutPath enables key export to p.
func (e *EnvironmentConfig) SetKeyOutPath(p string) {
	e.KeyExport = true
	e.KeyOutPath = truncate(p, MaxPathLen-1)
}

// ParseLogLevel maps the first character of s (d, i, w, e, f) onto a level.
func ParseLogLevel(s string) (zerolog.Level, error) {
	if s != "" {
		switch s[0] {
		case 'd', 'D':
			return zerolog.DebugLevel, nil
		case 'i', 'I':
			return zerolog.InfoLevel, nil
		case 'w', 'W':
			return zerolog.WarnLevel, nil
		case 'e', 'E':
			return zerolog.ErrorLevel, nil
		case 'f', 'F':
			return zerolog.FatalLevel, nil
		}
	}
	return zerolog.NoLevel, &ConfigError{Field: "log_level", Err: fmt.Errorf("%w: %q", ErrUnknownValue, s)}
}

// Validate checks ranges and bounds. It does not resolve the host.
func (c *Config) Validate() error {
	if err := validation.ValidateStringNonEmpty(c.Net.Host); err != nil {
		return &ConfigError{Field: "host", Err: err}
	}
	if err := validation.ValidatePort(c.Net.Port); err != nil {
		return &ConfigError{Field: "port", Err: err}
	}
	if c.Net.IdleTimeout <= 0 {
		return &ConfigError{Field: "idle_timeout", Err: validation.ErrOutOfRange}
	}
	if err := validation.ValidateRangeInt(c.Net.MaxConcurrentConnections, 0, MaxConnections); err != nil {
		return &ConfigError{Field: "max_connections", Err: err}
	}
	if c.Net.DialRate < 0 {
		return &ConfigError{Field: "dial_rate", Err: validation.ErrOutOfRange}
	}
	switch c.Net.Mode {
	case ModeSCMR, ModeSCSRSerial, ModeSCSRConcurrent:
	default:
		return &ConfigError{Field: "mode", Err: ErrUnknownValue}
	}
	if c.Env.Lifetime < 0 {
		return &ConfigError{Field: "lifetime", Err: validation.ErrOutOfRange}
	}
	if _, err := c.Sec.CipherSuiteIDs(); err != nil {
		return err
	}
	for _, b := range []struct {
		name string
		v    []byte
		max  int
	}{
		{"session_ticket", c.Sec.SessionTicket, MaxSessionTicketLen},
		{"transport_params", c.Sec.TransportParams, MaxTransportParamsLen},
		{"token", c.Sec.Token, MaxTokenLen},
	} {
		if err := validation.ValidateMaxLen(b.name, b.v, b.max); err != nil {
			return &ConfigError{Field: b.name, Err: err}
		}
	}
	if c.Env.SaveBodies {
		if err := validation.ValidateDir(c.Env.OutDir); err != nil {
			return &ConfigError{Field: "out_dir", Err: err}
		}
	}
	return nil
}
