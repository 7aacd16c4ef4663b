// Package quicutil provides TLS helpers for the QUIC client and demo server.
package quicutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quantarax/quicreq/internal/config"
)

// GenerateSelfSignedCert generates a self-signed TLS certificate for the
// demo server, valid for localhost and the given extra hosts.
//
// Security Warning:
//   - Clients must use InsecureSkipVerify=true or trust the returned certificate
func GenerateSelfSignedCert(hosts ...string) (certPEM, keyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   "localhost",
			Organization: []string{"quicreq demo"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	privKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privKeyBytes})
	return certPEM, keyPEM, nil
}

// MakeServerTLSConfig creates a TLS 1.3 server config offering the given ALPNs.
func MakeServerTLSConfig(certPEM, keyPEM []byte, alpns ...string) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
		NextProtos:   alpns,
	}, nil
}

// ClientOptions carries the per-run collaborators of the client TLS config.
type ClientOptions struct {
	// ServerName overrides SecurityConfig.ServerName and the dial host.
	ServerName string
	// KeyLog receives NSS key log lines for every handshake; may be nil.
	KeyLog io.Writer
	// Sessions caches resumption tickets; may be nil.
	Sessions tls.ClientSessionCache
}

// MakeClientTLSConfig builds the client TLS config from sec.
//
// TLS 1.3 cipher suites are not configurable in crypto/tls; the names are
// validated by config.Validate and otherwise left to the library.
func MakeClientTLSConfig(sec config.SecurityConfig, opts ClientOptions) *tls.Config {
	serverName := sec.ServerName
	if opts.ServerName != "" {
		serverName = opts.ServerName
	}
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: sec.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS13,
		MaxVersion:         tls.VersionTLS13,
		NextProtos:         []string{sec.ALPN.Wire()},
		KeyLogWriter:       opts.KeyLog,
	}
	if opts.Sessions != nil {
		cfg.ClientSessionCache = opts.Sessions
	} else if sec.Use0RTT {
		cfg.ClientSessionCache = tls.NewLRUClientSessionCache(64)
	}
	return cfg
}
