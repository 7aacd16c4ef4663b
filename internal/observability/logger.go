package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer, level zerolog.Level) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	logger := zerolog.New(output).Level(level).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// ConsoleOutput returns a human readable writer when f is a terminal and f unchanged otherwise.
func ConsoleOutput(f *os.File) io.Writer {
	if term.IsTerminal(int(f.Fd())) {
		return zerolog.ConsoleWriter{Out: f, TimeFormat: time.TimeOnly}
	}
	return f
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithRun adds run_id context to logger.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("run_id", runID).Logger(),
	}
}

// WithConn adds conn_id context to logger.
func (l *Logger) WithConn(connID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("conn_id", connID).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// RunStarted logs the start of a batch.
func (l *Logger) RunStarted(mode string, requests int, target, alpn string) {
	l.logger.Info().
		Str("mode", mode).
		Int("requests", requests).
		Str("target", target).
		Str("alpn", alpn).
		Msg("batch started")
}

// RunCompleted logs the end of a batch.
func (l *Logger) RunCompleted(completed, failed int, bytes int64, duration time.Duration) {
	l.logger.Info().
		Int("completed", completed).
		Int("failed", failed).
		Int64("bytes", bytes).
		Float64("duration_seconds", duration.Seconds()).
		Msg("batch completed")
}

// EngineSettings logs transport knobs requested on the command line.
func (l *Logger) EngineSettings(cc string, pacing bool, keyUpdate uint64, cipherSuites string, zeroRTT bool) {
	l.logger.Debug().
		Str("congestion_control", cc).
		Bool("pacing", pacing).
		Uint64("key_update_threshold", keyUpdate).
		Str("cipher_suites", cipherSuites).
		Bool("zero_rtt", zeroRTT).
		Msg("engine settings")
}

// ConnectionEstablished logs connection establishment.
func (l *Logger) ConnectionEstablished(remoteAddr string, connectionID string, alpn string, resumed bool) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("connection_id", connectionID).
		Str("alpn", alpn).
		Bool("resumed", resumed).
		Msg("QUIC connection established")
}

// ConnectionFailed logs connection failure.
func (l *Logger) ConnectionFailed(remoteAddr string, err error) {
	l.logger.Error().
		Str("remote_addr", remoteAddr).
		Err(err).
		Msg("QUIC connection failed")
}

// ConnectionClosed logs connection teardown.
func (l *Logger) ConnectionClosed(connectionID string, lifetime time.Duration) {
	l.logger.Debug().
		Str("connection_id", connectionID).
		Float64("lifetime_seconds", lifetime.Seconds()).
		Msg("QUIC connection closed")
}

// StreamOpened logs a stream carrying a request.
func (l *Logger) StreamOpened(index int, streamID int64) {
	l.logger.Debug().
		Int("req_index", index).
		Int64("stream_id", streamID).
		Msg("stream opened")
}

// WorkUnitTransition logs a work unit state change.
func (l *Logger) WorkUnitTransition(index int, from, to string) {
	l.logger.Debug().
		Int("req_index", index).
		Str("from", from).
		Str("to", to).
		Msg("work unit transition")
}

// OutcomeRecorded logs the terminal record of a request.
func (l *Logger) OutcomeRecorded(index int, url, state string, bytes int64, elapsed time.Duration, kind string, err error) {
	ev := l.logger.Info()
	if err != nil {
		ev = l.logger.Warn().Err(err).Str("error_kind", kind)
	}
	ev.Int("req_index", index).
		Str("url", url).
		Str("state", state).
		Int64("bytes", bytes).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("request finished")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
