package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quantarax/quicreq/internal/config"
	"github.com/quantarax/quicreq/internal/observability"
	"github.com/quantarax/quicreq/internal/quicutil"
	"github.com/quantarax/quicreq/internal/ratelimit"
	"github.com/quantarax/quicreq/internal/report"
	"github.com/quantarax/quicreq/internal/request"
	"github.com/quantarax/quicreq/internal/scheduler"
	"github.com/quantarax/quicreq/internal/ticketstore"
	"github.com/quantarax/quicreq/internal/transport"
)

var version = "dev"

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2

	ticketMaxAge = 24 * time.Hour
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, batch, warnings, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	if err := cfg.Net.Resolve(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	logOut, closeLog, err := openLog(cfg.Env.LogPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: open log: %v\n", err)
		return exitUsage
	}
	defer closeLog()
	logger := observability.NewLogger("quicreq-client", version, logOut, cfg.Env.LogLevel).WithRun(uuid.NewString())
	for _, w := range warnings {
		logger.Warn(w)
		fmt.Fprintf(stderr, "Warning: %s\n", w)
	}

	if shutdown, err := observability.InitTracing(ctx, "quicreq-client", version); err == nil {
		defer shutdown(context.Background())
	} else {
		logger.Error(err, "tracing disabled")
	}

	var metrics *observability.Metrics
	if cfg.Env.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = observability.NewMetrics(reg)
		srv, err := serveMetrics(cfg, metrics, logger)
		if err != nil {
			fmt.Fprintf(stderr, "Error: metrics listener: %v\n", err)
			return exitUsage
		}
		defer srv.Close()
	}

	tlsOpts := quicutil.ClientOptions{}
	if cfg.Sec.ServerName == "" {
		tlsOpts.ServerName = batch.At(0).Host()
	}
	if cfg.Env.KeyExport {
		f, err := os.OpenFile(cfg.Env.KeyOutPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			fmt.Fprintf(stderr, "Error: open key log: %v\n", err)
			return exitUsage
		}
		defer f.Close()
		tlsOpts.KeyLog = f
	}
	if cfg.Sec.TicketStorePath != "" {
		store, err := ticketstore.Open(cfg.Sec.TicketStorePath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: open ticket store: %v\n", err)
			return exitUsage
		}
		defer store.Close()
		store.OnReject = func(key string, err error) {
			logger.Error(err, "session ticket rejected for "+key)
		}
		if n, err := store.GC(ticketMaxAge); err != nil {
			logger.Error(err, "ticket store cleanup")
		} else if n > 0 {
			logger.Debug(fmt.Sprintf("removed %d expired session tickets", n))
		}
		if key, _, ok := store.Latest(); ok {
			logger.Debug("resumption ticket available for " + key)
		}
		tlsOpts.Sessions = store
	}

	logger.EngineSettings(cfg.Net.CongestionControl.String(), cfg.Net.Pacing, cfg.Sec.KeyUpdateThreshold, cfg.Sec.CipherSuites, cfg.Sec.Use0RTT)

	dialer := transport.NewQUICDialer(transport.DialerOptions{
		Target:           cfg.Net.Target(),
		TLS:              quicutil.MakeClientTLSConfig(cfg.Sec, tlsOpts),
		ALPN:             cfg.Sec.ALPN,
		IdleTimeout:      cfg.Net.IdleTimeout,
		HandshakeTimeout: cfg.Net.HandshakeTimeout,
		Use0RTT:          cfg.Sec.Use0RTT,
		Logger:           logger,
		Metrics:          metrics,
	})

	opts := scheduler.Options{
		Mode:          cfg.Net.Mode,
		MaxConcurrent: cfg.Net.MaxConcurrentConnections,
		Lifetime:      cfg.Env.Lifetime,
		Logger:        logger,
		Metrics:       metrics,
	}
	if cfg.Net.DialRate > 0 {
		opts.Pacer = ratelimit.NewTokenBucket(cfg.Net.DialRate, 1)
	}
	if cfg.Env.SaveBodies {
		store, err := report.NewBodyStore(cfg.Env.OutDir)
		if err != nil {
			fmt.Fprintf(stderr, "Error: output directory: %v\n", err)
			return exitUsage
		}
		opts.Bodies = store
	}

	collector := report.NewCollector()
	if err := execute(ctx, dialer, collector, opts, batch, cfg, logger); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	if err := collector.WriteLines(stdout); err != nil {
		logger.Error(err, "write outcomes")
	}
	if !collector.AllSucceeded() {
		return exitFailed
	}
	return exitOK
}

func execute(ctx context.Context, dialer transport.Dialer, collector *report.Collector, opts scheduler.Options, batch request.Batch, cfg *config.Config, logger *observability.Logger) error {
	logger.RunStarted(cfg.Net.Mode.String(), batch.Len(), cfg.Net.Target(), cfg.Sec.ALPN.Wire())
	start := time.Now()
	if err := scheduler.New(dialer, collector, opts).Run(ctx, batch); err != nil {
		return err
	}
	s := collector.Summary()
	logger.RunCompleted(s.Completed, s.Failed, s.Bytes, time.Since(start))
	return nil
}

// openLog opens the log file in append mode. "-" logs to stderr.
func openLog(path string) (io.Writer, func(), error) {
	if path == "-" {
		return observability.ConsoleOutput(os.Stderr), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func serveMetrics(cfg *config.Config, metrics *observability.Metrics, logger *observability.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", cfg.Env.MetricsAddr)
	if err != nil {
		return nil, err
	}
	health := observability.NewHealthChecker(version)
	if cfg.Env.SaveBodies {
		health.RegisterCheck("out_dir", observability.DirectoryCheck(cfg.Env.OutDir))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", health.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "metrics server")
		}
	}()
	logger.Info("metrics listening on " + ln.Addr().String())
	return srv, nil
}
