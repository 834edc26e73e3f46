// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/liulilittle/frp/internal/config"
)

// tlsTransmission performs a TLS handshake over an established TCP
// connection, then frames payloads over the secured stream.
type tlsTransmission struct {
	streamTransmission
	cfg *config.AppConfiguration
	raw net.Conn
}

func newTLS(cfg *config.AppConfiguration, conn net.Conn) *tlsTransmission {
	t := &tlsTransmission{cfg: cfg, raw: conn}
	t.conn = conn
	t.localEP = conn.LocalAddr()
	t.remoteEP = conn.RemoteAddr()
	return t
}

func (t *tlsTransmission) Handshake(ctx context.Context, role Role) error {
	tlsConn, err := upgradeTLS(ctx, t.cfg, t.raw, role)
	if err != nil {
		t.Close()
		return err
	}
	t.conn = tlsConn
	return nil
}

func upgradeTLS(ctx context.Context, cfg *config.AppConfiguration, conn net.Conn, role Role) (*tls.Conn, error) {
	tlsConfig, err := newTLSConfig(cfg, role)
	if err != nil {
		return nil, err
	}

	var tlsConn *tls.Conn
	if role == RoleClient {
		tlsConn = tls.Client(conn, tlsConfig)
	} else {
		tlsConn = tls.Server(conn, tlsConfig)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

// newTLSConfig derives a tls.Config from the configured material. Clients
// verify the configured host only when verify-peer is set; servers always
// present the configured certificate chain.
func newTLSConfig(cfg *config.AppConfiguration, role Role) (*tls.Config, error) {
	ssl := &cfg.Protocols.Ssl
	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: parseCiphersuites(ssl.Ciphersuites),
	}

	if role == RoleClient {
		tlsConfig.ServerName = ssl.Host
		tlsConfig.InsecureSkipVerify = !ssl.VerifyPeer
		return tlsConfig, nil
	}

	certificate, err := loadCertificate(ssl)
	if err != nil {
		return nil, err
	}
	tlsConfig.Certificates = []tls.Certificate{certificate}
	return tlsConfig, nil
}

// loadCertificate reads the server certificate, appending the optional chain
// file to the leaf before pairing it with the key.
func loadCertificate(ssl *config.SslConfiguration) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(ssl.CertificateFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read certificate: %w", err)
	}
	if ssl.CertificateChainFile != "" {
		chainPEM, err := os.ReadFile(ssl.CertificateChainFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("read certificate chain: %w", err)
		}
		certPEM = append(append(certPEM, '\n'), chainPEM...)
	}
	keyPEM, err := os.ReadFile(ssl.CertificateKeyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read certificate key: %w", err)
	}
	certificate, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load certificate: %w", err)
	}
	return certificate, nil
}

// parseCiphersuites maps a comma- or colon-separated suite list onto the
// suites this runtime implements; unknown names are skipped. An empty list
// selects the runtime defaults.
func parseCiphersuites(list string) []uint16 {
	if list == "" {
		return nil
	}
	known := make(map[string]uint16)
	for _, suite := range tls.CipherSuites() {
		known[suite.Name] = suite.ID
	}
	var ids []uint16
	for _, name := range strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ':' }) {
		if id, ok := known[strings.TrimSpace(name)]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}
