package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quantarax/quicreq/internal/config"
	"github.com/quantarax/quicreq/internal/observability"
	"github.com/quantarax/quicreq/internal/quicutil"
	"github.com/quantarax/quicreq/internal/transport"
	"github.com/quantarax/quicreq/internal/validation"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.opentelemetry.io/otel/attribute"
)

var version = "dev"

var (
	listen      string
	root        string
	certFile    string
	keyFile     string
	metricsAddr string
	idleTimeout time.Duration
	logLevel    string
)

func main() {
	flag.StringVar(&listen, "listen", "127.0.0.1:8443", "Listen address (host:port)")
	flag.StringVar(&root, "root", ".", "Directory served to clients")
	flag.StringVar(&certFile, "cert", "", "PEM certificate; a self-signed one is generated when empty")
	flag.StringVar(&keyFile, "key", "", "PEM private key for -cert")
	flag.StringVar(&metricsAddr, "metrics", "", "Serve /metrics and /health on this address")
	flag.DurationVar(&idleTimeout, "idle", 30*time.Second, "Connection idle timeout")
	flag.StringVar(&logLevel, "l", "i", "Log level: d, i, w, e, f")
	flag.Parse()

	level, err := config.ParseLogLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	logger := observability.NewLogger("quicreq-server", version, observability.ConsoleOutput(os.Stderr), level)

	// Init tracing if configured
	if shutdown, err := observability.InitTracing(context.Background(), "quicreq-server", version); err == nil {
		defer shutdown(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, logger); err != nil {
		logger.Error(err, "server stopped")
		os.Exit(1)
	}
}

func loadCert() (certPEM, keyPEM []byte, err error) {
	if certFile == "" {
		return quicutil.GenerateSelfSignedCert("localhost")
	}
	if certPEM, err = os.ReadFile(certFile); err != nil {
		return nil, nil, err
	}
	if keyPEM, err = os.ReadFile(keyFile); err != nil {
		return nil, nil, err
	}
	return certPEM, keyPEM, nil
}

func serve(ctx context.Context, logger *observability.Logger) error {
	if err := validation.ValidateDir(root); err != nil {
		return fmt.Errorf("content root: %w", err)
	}
	certPEM, keyPEM, err := loadCert()
	if err != nil {
		return fmt.Errorf("failed to load certificate: %w", err)
	}
	tlsConfig, err := quicutil.MakeServerTLSConfig(certPEM, keyPEM, http3.NextProtoH3, config.ALPNHQ.Wire())
	if err != nil {
		return fmt.Errorf("failed to create TLS config: %w", err)
	}

	listener, err := transport.ListenQUIC(listen, tlsConfig, idleTimeout)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer listener.Close()

	var serving atomic.Bool
	serving.Store(true)
	defer serving.Store(false)

	var metrics *observability.Metrics
	if metricsAddr != "" {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
		health := observability.NewHealthChecker(version)
		health.RegisterCheck("quic_listener", observability.QUICListenerCheck(listener.Addr(), serving.Load))
		health.RegisterCheck("content_root", observability.DirectoryCheck(root))

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", health.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(err, "metrics server")
			}
		}()
		defer srv.Close()
	}

	files := os.DirFS(root)
	hq := &transport.HQServer{Root: files, Logger: logger}
	h3 := &http3.Server{Handler: http.FileServer(http.FS(files))}

	logger.Info(fmt.Sprintf("serving %s on %s (h3, hq-interop)", root, listener.Addr()))
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}
		go handleConnection(ctx, conn, hq, h3, metrics, logger)
	}
}

func handleConnection(ctx context.Context, conn *quic.Conn, hq *transport.HQServer, h3 *http3.Server, metrics *observability.Metrics, logger *observability.Logger) {
	start := time.Now()
	alpn := conn.ConnectionState().TLS.NegotiatedProtocol
	_, span := observability.Tracer().Start(ctx, "server.connection")
	defer span.End()
	span.SetAttributes(
		attribute.String("remote_addr", conn.RemoteAddr().String()),
		attribute.String("alpn", alpn),
	)
	metrics.RecordQUICConnection(true)
	logger.ConnectionEstablished(conn.RemoteAddr().String(), uuid.NewString(), alpn, conn.ConnectionState().TLS.DidResume)
	defer func() {
		metrics.RecordQUICConnectionClose(time.Since(start).Seconds())
	}()

	switch alpn {
	case http3.NextProtoH3:
		if err := h3.ServeQUICConn(conn); err != nil {
			logger.Debug("h3 connection ended: " + err.Error())
		}
	default:
		hq.ServeConn(ctx, conn)
	}
}
