// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

// Package config loads and validates the application configuration from an
// INI file. The [app] section carries the global knobs; every other section
// describes one port mapping.
package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/liulilittle/frp/internal/crypto"
	"github.com/liulilittle/frp/internal/protocol"
)

// Mode selects which role the process runs in.
type Mode int

const (
	ModeClient Mode = iota
	ModeServer
)

func (m Mode) String() string {
	if m == ModeServer {
		return "server"
	}
	return "client"
}

// Protocol selects the tunnel transport. The numeric value of every entry
// is also accepted in the configuration file.
type Protocol int

const (
	ProtocolTCP Protocol = iota
	ProtocolSSL
	ProtocolTLS
	ProtocolEncryptor
	ProtocolWebSocket
	ProtocolWebSocketSSL
	ProtocolWebSocketTLS
	ProtocolSmux
	ProtocolQUIC
	ProtocolDTLS
	protocolMax
)

func (p Protocol) String() string {
	switch p {
	case ProtocolSSL:
		return "ssl"
	case ProtocolTLS:
		return "tls"
	case ProtocolEncryptor:
		return "encryptor"
	case ProtocolWebSocket:
		return "websocket"
	case ProtocolWebSocketSSL:
		return "websocket+ssl"
	case ProtocolWebSocketTLS:
		return "websocket+tls"
	case ProtocolSmux:
		return "smux"
	case ProtocolQUIC:
		return "quic"
	case ProtocolDTLS:
		return "dtls"
	default:
		return "tcp"
	}
}

// IsMessage reports whether the transport delivers whole messages by itself,
// making the inner 2-byte length prefix unnecessary.
func (p Protocol) IsMessage() bool {
	switch p {
	case ProtocolWebSocket, ProtocolWebSocketSSL, ProtocolWebSocketTLS, ProtocolDTLS:
		return true
	default:
		return false
	}
}

// SslConfiguration is the TLS material shared by the ssl/tls, websocket+tls
// and quic transports.
type SslConfiguration struct {
	VerifyPeer             bool
	Host                   string
	CertificateFile        string
	CertificateKeyFile     string
	CertificateChainFile   string
	CertificateKeyPassword string
	Ciphersuites           string
}

// WebSocketConfiguration carries the HTTP upgrade parameters.
type WebSocketConfiguration struct {
	Host string
	Path string
}

// EncryptorConfiguration names the symmetric cipher and its shared secret.
type EncryptorConfiguration struct {
	Method   string
	Password string
}

// MappingConfiguration describes one advertised public port.
type MappingConfiguration struct {
	Name       string
	Type       protocol.MappingType
	LocalIP    string
	LocalPort  int
	RemotePort int
	Concurrent int
	Reconnect  int
}

// LocalAddr formats the mapping's local service endpoint.
func (m *MappingConfiguration) LocalAddr() string {
	return joinHostPort(m.LocalIP, m.LocalPort)
}

// TimeoutConfiguration is a single timeout knob in seconds.
type TimeoutConfiguration struct {
	Timeout int
}

// TurboConfiguration mirrors the OS socket tuning switches. Wan enables
// TCP_NODELAY on tunnel and forwarded sockets; Lan is read but not applied.
type TurboConfiguration struct {
	Lan bool
	Wan bool
}

// AppConfiguration is the immutable configuration record consumed by the
// client router and the server switches.
type AppConfiguration struct {
	Mode      Mode
	IP        string
	Port      int
	Alignment int
	Backlog   int
	FastOpen  bool
	Turbo     TurboConfiguration
	Connect   TimeoutConfiguration
	Handshake TimeoutConfiguration
	Inactive  TimeoutConfiguration
	Protocol  Protocol
	Protocols struct {
		Ssl       SslConfiguration
		WebSocket WebSocketConfiguration
		Encryptor EncryptorConfiguration
	}
	Mappings []MappingConfiguration
}

// Addr formats the tunnel listener or dial endpoint.
func (c *AppConfiguration) Addr() string {
	return joinHostPort(c.IP, c.Port)
}

const (
	minAlignment = 510
	maxAlignment = 57344

	defaultConnectTimeout   = 10
	defaultInactiveTimeout  = 72
	defaultHandshakeTimeout = 5
	defaultBacklog          = 511
)

// Validate checks the invariants the loader cannot default away. It returns
// the first problem found.
func (c *AppConfiguration) Validate() error {
	if c.Mode != ModeClient && c.Mode != ModeServer {
		return fmt.Errorf("invalid mode %d", c.Mode)
	}
	if c.Protocol < ProtocolTCP || c.Protocol >= protocolMax {
		return fmt.Errorf("invalid protocol %d", c.Protocol)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	switch c.Protocol {
	case ProtocolEncryptor:
		if !crypto.Support(c.Protocols.Encryptor.Method) {
			return fmt.Errorf("unsupported encryptor method %q (supported: %s)",
				c.Protocols.Encryptor.Method, strings.Join(crypto.Methods(), ", "))
		}
		if c.Protocols.Encryptor.Password == "" {
			return fmt.Errorf("empty encryptor password")
		}
	case ProtocolDTLS:
		if c.Protocols.Encryptor.Password == "" {
			return fmt.Errorf("dtls requires protocol.encryptor.password as pre-shared key")
		}
	case ProtocolSSL, ProtocolTLS, ProtocolQUIC:
		if err := c.validateSsl(true); err != nil {
			return err
		}
	case ProtocolWebSocket, ProtocolWebSocketSSL, ProtocolWebSocketTLS:
		ws := &c.Protocols.WebSocket
		if ws.Host == "" {
			return fmt.Errorf("empty protocol.websocket.host")
		}
		if !strings.HasPrefix(ws.Path, "/") {
			return fmt.Errorf("protocol.websocket.path must begin with /")
		}
		if c.Protocol != ProtocolWebSocket {
			if err := c.validateSsl(false); err != nil {
				return err
			}
		}
	}

	if c.Mode == ModeServer {
		return nil
	}
	if len(c.Mappings) == 0 {
		return fmt.Errorf("client mode requires at least one mapping section")
	}
	for i := range c.Mappings {
		if err := c.Mappings[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *AppConfiguration) validateSsl(hostVerify bool) error {
	family := "tls"
	if c.Protocol == ProtocolSSL || c.Protocol == ProtocolWebSocketSSL {
		family = "ssl"
	}
	ssl := &c.Protocols.Ssl
	if hostVerify && c.Mode == ModeClient && ssl.Host == "" {
		return fmt.Errorf("empty protocol.%s.host", family)
	}
	if c.Mode == ModeServer {
		if ssl.CertificateFile == "" || ssl.CertificateKeyFile == "" {
			return fmt.Errorf("server %s requires protocol.%s certificate-file and certificate-key-file", c.Protocol, family)
		}
	}
	return nil
}

func (m *MappingConfiguration) validate() error {
	if m.Name == "" {
		return fmt.Errorf("mapping with empty name")
	}
	if m.Type != protocol.MappingTCP && m.Type != protocol.MappingUDP {
		return fmt.Errorf("mapping %s: invalid type", m.Name)
	}
	if m.RemotePort < 1 || m.RemotePort > 65535 {
		return fmt.Errorf("mapping %s: invalid remote-port %d", m.Name, m.RemotePort)
	}
	if m.LocalPort < 1 || m.LocalPort > 65535 {
		return fmt.Errorf("mapping %s: invalid local-port %d", m.Name, m.LocalPort)
	}
	if _, err := netip.ParseAddr(m.LocalIP); err != nil {
		return fmt.Errorf("mapping %s: invalid local-ip %q", m.Name, m.LocalIP)
	}
	if m.Concurrent < 1 || m.Reconnect < 1 {
		return fmt.Errorf("mapping %s: concurrent and reconnect must be at least 1", m.Name)
	}
	return nil
}

func joinHostPort(host string, port int) string {
	if strings.Contains(host, ":") {
		return fmt.Sprintf("[%s]:%d", host, port)
	}
	return fmt.Sprintf("%s:%d", host, port)
}
