package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk YAML layout. Zero values and absent booleans
// leave defaults untouched.
type FileConfig struct {
	Network     NetworkSection     `yaml:"network"`
	Security    SecuritySection    `yaml:"security"`
	Environment EnvironmentSection `yaml:"environment"`
	Requests    []string           `yaml:"requests"`
}

type NetworkSection struct {
	Host              string  `yaml:"host"`
	Port              int     `yaml:"port"`
	CongestionControl string  `yaml:"congestion_control"`
	Pacing            *bool   `yaml:"pacing"`
	IdleTimeout       string  `yaml:"idle_timeout"`
	HandshakeTimeout  string  `yaml:"handshake_timeout"`
	Mode              *int    `yaml:"mode"`
	MaxConnections    int     `yaml:"max_connections"`
	DialRate          float64 `yaml:"dial_rate"`
}

type SecuritySection struct {
	ALPN               string `yaml:"alpn"`
	CipherSuites       string `yaml:"cipher_suites"`
	Use0RTT            *bool  `yaml:"zero_rtt"`
	KeyUpdateThreshold uint64 `yaml:"key_update_threshold"`
	ServerName         string `yaml:"server_name"`
	VerifyPeer         *bool  `yaml:"verify_peer"`
	TicketStore        string `yaml:"ticket_store"`
	// Base64 encoded resumption material.
	SessionTicket   string `yaml:"session_ticket"`
	TransportParams string `yaml:"transport_params"`
	Token           string `yaml:"token"`
}

type EnvironmentSection struct {
	LogPath     string `yaml:"log_path"`
	LogLevel    string `yaml:"log_level"`
	OutDir      string `yaml:"out_dir"`
	KeyOutPath  string `yaml:"key_out_path"`
	Lifetime    string `yaml:"lifetime"`
	MetricsAddr string `yaml:"metrics_addr"`
	DiscardBody bool   `yaml:"discard_body"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &fc, nil
}

// Apply overlays the file values onto cfg. Unknown congestion control and
// ALPN names are ignored the same way the command line ignores them; the
// returned warnings list them.
func (f *FileConfig) Apply(cfg *Config) (warnings []string, err error) {
	n := f.Network
	if n.Host != "" {
		cfg.Net.SetHost(n.Host)
	}
	if n.Port != 0 {
		cfg.Net.Port = n.Port
	}
	if n.CongestionControl != "" && !cfg.Net.SetCongestionControl(n.CongestionControl) {
		warnings = append(warnings, fmt.Sprintf("unknown congestion control %q ignored", n.CongestionControl))
	}
	if n.Pacing != nil {
		cfg.Net.Pacing = *n.Pacing
	}
	if cfg.Net.IdleTimeout, err = durationOr(n.IdleTimeout, cfg.Net.IdleTimeout, "idle_timeout"); err != nil {
		return warnings, err
	}
	if cfg.Net.HandshakeTimeout, err = durationOr(n.HandshakeTimeout, cfg.Net.HandshakeTimeout, "handshake_timeout"); err != nil {
		return warnings, err
	}
	if n.Mode != nil {
		if cfg.Net.Mode, err = ParseMode(*n.Mode); err != nil {
			return warnings, err
		}
	}
	if n.MaxConnections > 0 {
		cfg.Net.MaxConcurrentConnections = n.MaxConnections
	}
	if n.DialRate > 0 {
		cfg.Net.DialRate = n.DialRate
	}

	s := f.Security
	if s.ALPN != "" && !cfg.Sec.SetALPN(s.ALPN) {
		warnings = append(warnings, fmt.Sprintf("unknown ALPN %q ignored", s.ALPN))
	}
	if s.CipherSuites != "" {
		cfg.Sec.CipherSuites = s.CipherSuites
	}
	if s.Use0RTT != nil {
		cfg.Sec.Use0RTT = *s.Use0RTT
	}
	if s.KeyUpdateThreshold != 0 {
		cfg.Sec.KeyUpdateThreshold = s.KeyUpdateThreshold
	}
	if s.ServerName != "" {
		cfg.Sec.ServerName = s.ServerName
	}
	if s.VerifyPeer != nil {
		cfg.Sec.InsecureSkipVerify = !*s.VerifyPeer
	}
	if s.TicketStore != "" {
		cfg.Sec.TicketStorePath = s.TicketStore
	}
	for _, blob := range []struct {
		name string
		v    string
		set  func([]byte) error
	}{
		{"session_ticket", s.SessionTicket, cfg.Sec.SetSessionTicket},
		{"transport_params", s.TransportParams, cfg.Sec.SetTransportParams},
		{"token", s.Token, cfg.Sec.SetToken},
	} {
		if blob.v == "" {
			continue
		}
		raw, derr := base64.StdEncoding.DecodeString(blob.v)
		if derr != nil {
			return warnings, &ConfigError{Field: blob.name, Err: derr}
		}
		if err := blob.set(raw); err != nil {
			return warnings, err
		}
	}

	e := f.Environment
	if e.LogPath != "" {
		cfg.Env.SetLogPath(e.LogPath)
	}
	if e.LogLevel != "" {
		if cfg.Env.LogLevel, err = ParseLogLevel(e.LogLevel); err != nil {
			return warnings, err
		}
	}
	if e.OutDir != "" {
		cfg.Env.SetOutDir(e.OutDir)
	}
	if e.KeyOutPath != "" {
		cfg.Env.SetKeyOutPath(e.KeyOutPath)
	}
	if cfg.Env.Lifetime, err = durationOr(e.Lifetime, cfg.Env.Lifetime, "lifetime"); err != nil {
		return warnings, err
	}
	if e.MetricsAddr != "" {
		cfg.Env.MetricsAddr = e.MetricsAddr
	}
	if e.DiscardBody {
		cfg.Env.SaveBodies = false
	}
	return warnings, nil
}

func durationOr(s string, def time.Duration, field string) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def, &ConfigError{Field: field, Err: fmt.Errorf("invalid duration: %w", err)}
	}
	return d, nil
}
