package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/quantarax/quicreq/internal/config"
	"github.com/quantarax/quicreq/internal/request"
)

var errNoRequests = errors.New("no requests given (-U or requests in -config)")

// cliFlags holds raw flag values. They are applied on top of the defaults
// and the optional configuration file, but only when set explicitly.
type cliFlags struct {
	addr        string
	port        int
	cc          string
	pacing      bool
	idleTimeout int
	ciphers     string
	zeroRTT     bool
	mode        int
	alpn        string
	outDir      string
	logLevel    string
	logPath     string
	keyPath     string
	lifetime    int
	urls        string
	keyUpdate   uint64
	configPath  string
	metricsAddr string
	ticketPath  string
	maxConns    int
	dialRate    float64
}

func newFlagSet(f *cliFlags, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("demo_client", flag.ContinueOnError)
	fs.SetOutput(output)
	d := config.Default()

	fs.StringVar(&f.addr, "a", d.Net.Host, "Server address")
	fs.IntVar(&f.port, "p", d.Net.Port, "Server port")
	fs.StringVar(&f.cc, "c", "c", "Congestion control: b(bbr), c(cubic), r(reno)")
	fs.BoolVar(&f.pacing, "C", false, "Enable pacing")
	fs.IntVar(&f.idleTimeout, "t", int(d.Net.IdleTimeout/time.Second), "Idle timeout in seconds")
	fs.StringVar(&f.ciphers, "S", "", "TLS 1.3 cipher suites, colon separated")
	fs.BoolVar(&f.zeroRTT, "0", false, "Use 0-RTT")
	fs.IntVar(&f.mode, "m", int(d.Net.Mode), "Mode: 0 SCMR, 1 SCSR_SERIAL, 2 SCSR_CONCURRENT")
	fs.StringVar(&f.alpn, "A", "hq", "ALPN: hq or h3")
	fs.StringVar(&f.outDir, "D", d.Env.OutDir, "Directory for response bodies")
	fs.StringVar(&f.logLevel, "l", "d", "Log level: d, i, w, e, f")
	fs.StringVar(&f.logPath, "L", d.Env.LogPath, "Log file path, - for stderr")
	fs.StringVar(&f.keyPath, "k", d.Env.KeyOutPath, "Export TLS keys to this file")
	fs.IntVar(&f.lifetime, "K", 0, "Process lifetime in seconds, 0 for unbounded")
	fs.StringVar(&f.urls, "U", "", "Comma separated request URLs; the server address is taken from the first")
	fs.Uint64Var(&f.keyUpdate, "u", d.Sec.KeyUpdateThreshold, "Key update packet threshold")
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&f.metricsAddr, "metrics", "", "Serve /metrics and /health on this address")
	fs.StringVar(&f.ticketPath, "tickets", "", "Session ticket store path")
	fs.IntVar(&f.maxConns, "n", 0, "Max concurrent connections in mode 2, 0 for one per request")
	fs.Float64Var(&f.dialRate, "rate", 0, "Connection opens per second, 0 for unpaced")
	return fs
}

// parseArgs builds the run configuration from defaults, the configuration
// file and explicitly set flags, in that order.
func parseArgs(args []string, output io.Writer) (*config.Config, request.Batch, []string, error) {
	var f cliFlags
	fs := newFlagSet(&f, output)
	if err := fs.Parse(args); err != nil {
		return nil, request.Batch{}, nil, err
	}
	set := map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	cfg := config.Default()
	var warnings []string
	var fileRequests []string
	if f.configPath != "" {
		fc, err := config.LoadFile(f.configPath)
		if err != nil {
			return nil, request.Batch{}, nil, err
		}
		if warnings, err = fc.Apply(cfg); err != nil {
			return nil, request.Batch{}, warnings, err
		}
		fileRequests = fc.Requests
	}

	var batch request.Batch
	var err error
	switch {
	case set["U"]:
		batch, err = request.Parse(f.urls)
	case len(fileRequests) > 0:
		batch, err = request.ParseList(fileRequests)
	default:
		err = errNoRequests
	}
	if err != nil {
		return nil, request.Batch{}, warnings, err
	}

	if set["U"] && !set["a"] && !set["p"] {
		if err := fillServer(&cfg.Net, batch.Authority()); err != nil {
			return nil, request.Batch{}, warnings, err
		}
	}

	if set["a"] {
		cfg.Net.SetHost(f.addr)
	}
	if set["p"] {
		cfg.Net.Port = f.port
	}
	if set["c"] && !cfg.Net.SetCongestionControl(f.cc) {
		warnings = append(warnings, fmt.Sprintf("unknown congestion control %q ignored", f.cc))
	}
	if set["C"] {
		cfg.Net.Pacing = f.pacing
	}
	if set["t"] {
		cfg.Net.IdleTimeout = time.Duration(f.idleTimeout) * time.Second
	}
	if set["S"] {
		cfg.Sec.CipherSuites = f.ciphers
	}
	if set["0"] {
		cfg.Sec.Use0RTT = f.zeroRTT
	}
	if set["m"] {
		if cfg.Net.Mode, err = config.ParseMode(f.mode); err != nil {
			return nil, request.Batch{}, warnings, err
		}
	}
	if set["A"] && !cfg.Sec.SetALPN(f.alpn) {
		warnings = append(warnings, fmt.Sprintf("unknown ALPN %q ignored", f.alpn))
	}
	if set["D"] {
		cfg.Env.SetOutDir(f.outDir)
	}
	if set["l"] {
		if cfg.Env.LogLevel, err = config.ParseLogLevel(f.logLevel); err != nil {
			return nil, request.Batch{}, warnings, err
		}
	}
	if set["L"] {
		cfg.Env.SetLogPath(f.logPath)
	}
	if set["k"] {
		cfg.Env.SetKeyOutPath(f.keyPath)
	}
	if set["K"] {
		cfg.Env.Lifetime = time.Duration(f.lifetime) * time.Second
	}
	if set["u"] {
		cfg.Sec.KeyUpdateThreshold = f.keyUpdate
	}
	if set["metrics"] {
		cfg.Env.MetricsAddr = f.metricsAddr
	}
	if set["tickets"] {
		cfg.Sec.TicketStorePath = f.ticketPath
	}
	if set["n"] {
		cfg.Net.MaxConcurrentConnections = f.maxConns
	}
	if set["rate"] {
		cfg.Net.DialRate = f.dialRate
	}
	return cfg, batch, warnings, nil
}

// fillServer takes host and, when present, port from a request authority.
func fillServer(n *config.NetworkConfig, authority string) error {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		// no port in the authority
		n.SetHost(trimBrackets(authority))
		return nil
	}
	n.SetHost(host)
	p, err := strconv.Atoi(port)
	if err != nil {
		return &config.ConfigError{Field: "port", Err: err}
	}
	n.Port = p
	return nil
}

func trimBrackets(h string) string {
	if len(h) > 1 && h[0] == '[' && h[len(h)-1] == ']' {
		return h[1 : len(h)-1]
	}
	return h
}
