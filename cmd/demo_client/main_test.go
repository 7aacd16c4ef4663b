package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/quantarax/quicreq/internal/config"
	"github.com/quantarax/quicreq/internal/quicutil"
	"github.com/quantarax/quicreq/internal/request"
	"github.com/quantarax/quicreq/internal/transport"
)

func TestParseArgsURLFillsServer(t *testing.T) {
	cfg, batch, _, err := parseArgs([]string{"-U", "https://example.test:4433/a,https://example.test:4433/b"}, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if batch.Len() != 2 {
		t.Errorf("expected 2 requests, got %d", batch.Len())
	}
	if cfg.Net.Host != "example.test" || cfg.Net.Port != 4433 {
		t.Errorf("expected server from URL, got %s:%d", cfg.Net.Host, cfg.Net.Port)
	}
}

func TestParseArgsExplicitAddrWins(t *testing.T) {
	cfg, _, _, err := parseArgs([]string{"-a", "10.0.0.1", "-U", "https://example.test:4433/"}, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.Net.Host != "10.0.0.1" || cfg.Net.Port != 8443 {
		t.Errorf("expected explicit address to win, got %s:%d", cfg.Net.Host, cfg.Net.Port)
	}
}

func TestParseArgsIPv6Authority(t *testing.T) {
	cfg, _, _, err := parseArgs([]string{"-U", "https://[::1]/x"}, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.Net.Host != "::1" || cfg.Net.Port != 8443 {
		t.Errorf("unexpected server %s:%d", cfg.Net.Host, cfg.Net.Port)
	}
}

func TestParseArgsWarnings(t *testing.T) {
	cfg, _, warnings, err := parseArgs([]string{"-c", "x", "-A", "spdy", "-U", "a.test/"}, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if len(warnings) != 2 {
		t.Errorf("expected 2 warnings, got %v", warnings)
	}
	if cfg.Net.CongestionControl != config.CCCubic || cfg.Sec.ALPN != config.ALPNHQ {
		t.Errorf("unknown values changed settings: %v %v", cfg.Net.CongestionControl, cfg.Sec.ALPN)
	}
}

func TestParseArgsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want error
	}{
		{"no requests", []string{"-a", "127.0.0.1"}, errNoRequests},
		{"bad mode", []string{"-m", "5", "-U", "a.test/"}, config.ErrUnknownValue},
		{"bad level", []string{"-l", "z", "-U", "a.test/"}, config.ErrUnknownValue},
		{"long url", []string{"-U", "a.test/" + strings.Repeat("x", request.MaxURLLen)}, request.ErrRequestTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, _, err := parseArgs(tt.args, io.Discard); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestConfigFileOverriddenByFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	content := `
network:
  host: file.test
  port: 9000
  mode: 1
security:
  alpn: h3
requests:
  - https://file.test:9000/a
  - https://file.test:9000/b
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}

	cfg, batch, _, err := parseArgs([]string{"-config", path, "-m", "2", "-p", "9100"}, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if batch.Len() != 2 {
		t.Errorf("expected requests from file, got %d", batch.Len())
	}
	if cfg.Net.Mode != config.ModeSCSRConcurrent {
		t.Errorf("expected -m to override file mode, got %v", cfg.Net.Mode)
	}
	if cfg.Net.Host != "file.test" || cfg.Net.Port != 9100 {
		t.Errorf("unexpected server %s:%d", cfg.Net.Host, cfg.Net.Port)
	}
	if cfg.Sec.ALPN != config.ALPNH3 {
		t.Errorf("expected ALPN from file, got %v", cfg.Sec.ALPN)
	}
}

func TestRunExitCodes(t *testing.T) {
	var stderr bytes.Buffer
	if code := run(context.Background(), []string{"-bogus"}, io.Discard, &stderr); code != exitUsage {
		t.Errorf("unknown flag: expected exit %d, got %d", exitUsage, code)
	}
	if !strings.Contains(stderr.String(), "-U") {
		t.Error("expected usage on stderr")
	}
	if code := run(context.Background(), []string{"-h"}, io.Discard, io.Discard); code != exitOK {
		t.Errorf("help: expected exit %d, got %d", exitOK, code)
	}
	if code := run(context.Background(), []string{"-p", "0", "-U", "a.test/"}, io.Discard, io.Discard); code != exitUsage {
		t.Errorf("bad port: expected exit %d, got %d", exitUsage, code)
	}
}

func startServer(t *testing.T) string {
	t.Helper()
	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert("localhost")
	if err != nil {
		t.Fatalf("tls cert: %v", err)
	}
	tlsConf, err := quicutil.MakeServerTLSConfig(certPEM, keyPEM, config.ALPNHQ.Wire())
	if err != nil {
		t.Fatalf("tls server: %v", err)
	}
	ln, err := transport.ListenQUIC("127.0.0.1:0", tlsConf, 5*time.Second)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	srv := &transport.HQServer{Root: fstest.MapFS{
		"index.html": {Data: []byte("<html>index</html>")},
		"a.txt":      {Data: []byte("aaaa")},
	}}
	go func() {
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			go srv.ServeConn(ctx, conn)
		}
	}()
	return ln.Addr()
}

func TestRunAgainstServer(t *testing.T) {
	addr := startServer(t)
	dir := t.TempDir()

	for _, mode := range []string{"0", "1", "2"} {
		t.Run("mode"+mode, func(t *testing.T) {
			out := filepath.Join(dir, mode)
			if err := os.Mkdir(out, 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			var stdout, stderr bytes.Buffer
			args := []string{
				"-m", mode,
				"-U", "https://" + addr + "/,https://" + addr + "/a.txt",
				"-D", out,
				"-L", filepath.Join(dir, "client"+mode+".log"),
				"-K", "10",
			}
			if code := run(context.Background(), args, &stdout, &stderr); code != exitOK {
				t.Fatalf("expected exit 0, got %d\nstdout: %s\nstderr: %s", code, stdout.String(), stderr.String())
			}
			if !strings.Contains(stdout.String(), "requests=2 completed=2 failed=0") {
				t.Errorf("unexpected summary: %s", stdout.String())
			}
			data, err := os.ReadFile(filepath.Join(out, "1_a.txt"))
			if err != nil || string(data) != "aaaa" {
				t.Errorf("unexpected body %q (%v)", data, err)
			}
			if _, err := os.Stat(filepath.Join(out, "0_index")); err != nil {
				t.Errorf("missing index body: %v", err)
			}
		})
	}
}

func TestRunReportsFailures(t *testing.T) {
	addr := startServer(t)
	dir := t.TempDir()
	var stdout bytes.Buffer
	args := []string{
		"-U", "https://" + addr + "/a.txt,https://" + addr + "/missing",
		"-D", dir,
		"-L", filepath.Join(dir, "client.log"),
	}
	if code := run(context.Background(), args, &stdout, io.Discard); code != exitFailed {
		t.Fatalf("expected exit %d, got %d: %s", exitFailed, code, stdout.String())
	}
	if !strings.Contains(stdout.String(), "#1 Failed") {
		t.Errorf("expected missing resource to fail: %s", stdout.String())
	}
}

func TestRunKeyExport(t *testing.T) {
	addr := startServer(t)
	dir := t.TempDir()
	keys := filepath.Join(dir, "keys.log")
	args := []string{
		"-U", "https://" + addr + "/a.txt",
		"-D", dir,
		"-L", filepath.Join(dir, "client.log"),
		"-k", keys,
		"-tickets", filepath.Join(dir, "tickets.db"),
	}
	if code := run(context.Background(), args, io.Discard, io.Discard); code != exitOK {
		t.Fatalf("expected exit 0, got %d", code)
	}
	data, err := os.ReadFile(keys)
	if err != nil {
		t.Fatalf("read key log: %v", err)
	}
	if !strings.Contains(string(data), "CLIENT_TRAFFIC_SECRET_0") {
		t.Errorf("key log missing traffic secrets: %q", data)
	}
}
