// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	"github.com/liulilittle/frp/internal/protocol"
)

// configFlags are the accepted CLI spellings of the configuration path.
var configFlags = []string{"-c", "--c", "-conf", "--conf", "-config", "--config"}

// fallbackFiles are probed in the working directory when no flag names a
// configuration file.
var fallbackFiles = []string{"frp.ini", "frpd.ini", "frpc.ini", "frps.ini"}

// Resolve picks the configuration path from the command line, falling back
// to the well-known file names. It returns "" when nothing is readable.
func Resolve(args []string) string {
	var candidates []string
	for i := 0; i < len(args); i++ {
		for _, flag := range configFlags {
			if args[i] == flag && i+1 < len(args) {
				candidates = append(candidates, args[i+1])
			} else if value, ok := strings.CutPrefix(args[i], flag+"="); ok {
				candidates = append(candidates, value)
			}
		}
	}
	candidates = append(candidates, fallbackFiles...)

	for _, path := range candidates {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadIniFile reads and validates an application configuration.
func LoadIniFile(path string) (*AppConfiguration, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	configuration := &AppConfiguration{}
	app := file.Section("app")
	configuration.IP = app.Key("ip").String()
	configuration.Port = app.Key("port").MustInt(0)
	configuration.Alignment = app.Key("alignment").MustInt(0)
	configuration.Backlog = app.Key("backlog").MustInt(0)
	configuration.FastOpen = app.Key("fast-open").MustBool(false)
	configuration.Turbo.Lan = app.Key("turbo.lan").MustBool(false)
	configuration.Turbo.Wan = app.Key("turbo.wan").MustBool(false)
	configuration.Connect.Timeout = app.Key("connect.timeout").MustInt(0)
	configuration.Inactive.Timeout = app.Key("inactive.timeout").MustInt(0)
	configuration.Handshake.Timeout = app.Key("handshake.timeout").MustInt(0)

	applyDefaults(configuration)
	if err := parseMode(configuration, app.Key("mode").String()); err != nil {
		return nil, err
	}
	if err := parseProtocol(configuration, app.Key("protocol").String()); err != nil {
		return nil, err
	}
	loadProtocolSections(configuration, app)
	loadMappings(configuration, file)

	if err := configuration.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return configuration, nil
}

func applyDefaults(c *AppConfiguration) {
	if _, err := netip.ParseAddr(c.IP); err != nil {
		c.IP = "::"
	}
	if c.Connect.Timeout < 1 {
		c.Connect.Timeout = defaultConnectTimeout
	}
	if c.Inactive.Timeout < 1 {
		c.Inactive.Timeout = defaultInactiveTimeout
	}
	if c.Handshake.Timeout < 1 {
		c.Handshake.Timeout = defaultHandshakeTimeout
	}
	if c.Alignment < minAlignment {
		c.Alignment = minAlignment
	}
	if c.Alignment > maxAlignment {
		c.Alignment = maxAlignment
	}
	if c.Backlog < 1 {
		c.Backlog = defaultBacklog
	}
}

// parseMode accepts client|server by first character, or a numeric value.
func parseMode(c *AppConfiguration, mode string) error {
	if mode == "" {
		return nil
	}
	switch ch := mode[0] | 0x20; {
	case ch == 's':
		c.Mode = ModeServer
	case ch >= '0' && ch <= '9':
		c.Mode = Mode(ch - '0')
		if c.Mode != ModeClient && c.Mode != ModeServer {
			return fmt.Errorf("invalid mode %q", mode)
		}
	default:
		c.Mode = ModeClient
	}
	return nil
}

// parseProtocol accepts protocol names or numeric values. Names follow the
// historical matching: a leading "w" selects a websocket flavour refined by a
// "+ssl"/"+tls" suffix, a leading "e" the encryptor, "s" ssl and "tl" tls;
// smux, quic and dtls are matched by full name.
func parseProtocol(c *AppConfiguration, name string) error {
	value := strings.ToLower(strings.TrimSpace(name))
	if value == "" {
		return nil
	}
	switch value {
	case "smux":
		c.Protocol = ProtocolSmux
		return nil
	case "quic":
		c.Protocol = ProtocolQUIC
		return nil
	case "dtls":
		c.Protocol = ProtocolDTLS
		return nil
	}
	switch ch := value[0]; {
	case ch == 'w':
		switch {
		case strings.Contains(value, "tls"):
			c.Protocol = ProtocolWebSocketTLS
		case strings.Contains(value, "ssl"):
			c.Protocol = ProtocolWebSocketSSL
		default:
			c.Protocol = ProtocolWebSocket
		}
	case ch == 'e':
		c.Protocol = ProtocolEncryptor
	case ch == 't' && strings.HasPrefix(value, "tl"):
		c.Protocol = ProtocolTLS
	case ch == 's':
		c.Protocol = ProtocolSSL
	case ch >= '0' && ch <= '9':
		c.Protocol = Protocol(ch - '0')
		if c.Protocol < ProtocolTCP || c.Protocol >= protocolMax {
			return fmt.Errorf("invalid protocol %q", name)
		}
	default:
		c.Protocol = ProtocolTCP
	}
	return nil
}

func loadProtocolSections(c *AppConfiguration, app *ini.Section) {
	c.Protocols.Encryptor.Method = app.Key("protocol.encryptor.method").String()
	c.Protocols.Encryptor.Password = app.Key("protocol.encryptor.password").String()

	// ssl and tls protocols read their own key families; everything else
	// that needs TLS material (websocket+tls, quic) reads the tls keys.
	prefix := "protocol.tls."
	if c.Protocol == ProtocolSSL || c.Protocol == ProtocolWebSocketSSL {
		prefix = "protocol.ssl."
	}
	ssl := &c.Protocols.Ssl
	ssl.VerifyPeer = app.Key(prefix + "verify-peer").MustBool(false)
	ssl.Host = app.Key(prefix + "host").String()
	ssl.CertificateFile = app.Key(prefix + "certificate-file").String()
	ssl.CertificateKeyFile = app.Key(prefix + "certificate-key-file").String()
	ssl.CertificateChainFile = app.Key(prefix + "certificate-chain-file").String()
	ssl.CertificateKeyPassword = app.Key(prefix + "certificate-key-password").String()
	ssl.Ciphersuites = app.Key(prefix + "ciphersuites").String()

	ws := &c.Protocols.WebSocket
	ws.Host = app.Key("protocol.websocket.host").String()
	ws.Path = app.Key("protocol.websocket.path").String()
	if ws.Path == "" {
		ws.Path = "/"
	}
}

// loadMappings turns every non-app section into a mapping. Empty sections
// and sections without a type are ignored; sections whose mapping fails
// validation are skipped with a warning, matching the historical loader.
func loadMappings(c *AppConfiguration, file *ini.File) {
	for _, section := range file.Sections() {
		name := section.Name()
		if name == ini.DefaultSection || name == "app" || len(section.Keys()) == 0 {
			continue
		}

		kind := section.Key("type").String()
		if kind == "" {
			continue
		}

		mapping := MappingConfiguration{
			Name:       name,
			Type:       protocol.MappingTCP,
			LocalIP:    section.Key("local-ip").String(),
			LocalPort:  section.Key("local-port").MustInt(0),
			RemotePort: section.Key("remote-port").MustInt(0),
			Concurrent: section.Key("concurrent").MustInt(0),
			Reconnect:  section.Key("reconnect").MustInt(0),
		}
		if ch := kind[0] | 0x20; ch == 'u' || (ch >= '1' && ch <= '9') {
			mapping.Type = protocol.MappingUDP
		}
		if mapping.Concurrent < 1 {
			mapping.Concurrent = 1
		}
		if mapping.Reconnect < 1 {
			mapping.Reconnect = 1
		}

		if err := mapping.validate(); err != nil {
			logrus.WithField("section", name).Warnf("skip mapping: %v", err)
			continue
		}
		c.Mappings = append(c.Mappings, mapping)
	}
}
