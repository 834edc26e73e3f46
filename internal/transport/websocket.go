// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liulilittle/frp/internal/config"
)

// Generous ceiling against memory exhaustion; every protocol frame fits well
// below it.
const maxWebSocketMessageSize = 1024 * 1024

// wsTransmission carries each framed payload as one WebSocket binary
// message. The optional TLS layer is established first, then the HTTP
// upgrade runs inside it.
type wsTransmission struct {
	readMu  sync.Mutex
	writeMu sync.Mutex
	cfg     *config.AppConfiguration
	raw     net.Conn
	useTLS  bool
	ws      *websocket.Conn
	closed  atomic.Bool
}

func newWebSocket(cfg *config.AppConfiguration, conn net.Conn, useTLS bool) *wsTransmission {
	return &wsTransmission{cfg: cfg, raw: conn, useTLS: useTLS}
}

func (t *wsTransmission) Handshake(ctx context.Context, role Role) error {
	ws, err := t.handshake(ctx, role)
	if err != nil {
		t.Close()
		return err
	}
	ws.SetReadLimit(maxWebSocketMessageSize)
	t.ws = ws
	return nil
}

func (t *wsTransmission) handshake(ctx context.Context, role Role) (*websocket.Conn, error) {
	conn := t.raw
	if t.useTLS {
		tlsConn, err := upgradeTLS(ctx, t.cfg, conn, role)
		if err != nil {
			return nil, err
		}
		conn = tlsConn
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	ws := &t.cfg.Protocols.WebSocket
	if role == RoleClient {
		return dialWebSocket(ctx, conn, ws.Host, ws.Path)
	}
	return acceptWebSocket(conn, ws.Path)
}

// dialWebSocket runs the client upgrade over the already-established
// connection; the configured host becomes the URL authority and therefore
// the Host header.
func dialWebSocket(ctx context.Context, conn net.Conn, host, path string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: path}
	dialer := websocket.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return conn, nil
		},
	}
	wsConn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return wsConn, nil
}

// acceptWebSocket reads the upgrade request from the raw connection and
// completes the server side of the handshake. The request path must match
// the configured path exactly.
func acceptWebSocket(conn net.Conn, path string) (*websocket.Conn, error) {
	reader := bufio.NewReader(conn)
	request, err := http.ReadRequest(reader)
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	if request.URL.Path != path {
		return nil, fmt.Errorf("websocket accept: path %q not found", request.URL.Path)
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	wsConn, err := upgrader.Upgrade(&hijackResponseWriter{conn: conn, reader: reader}, request, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	return wsConn, nil
}

// hijackResponseWriter adapts a raw connection to the http.ResponseWriter +
// http.Hijacker pair the upgrader expects, since no http.Server is involved
// on the tunnel listener.
type hijackResponseWriter struct {
	conn   net.Conn
	reader *bufio.Reader
	header http.Header
}

func (w *hijackResponseWriter) Header() http.Header {
	if w.header == nil {
		w.header = http.Header{}
	}
	return w.header
}

func (w *hijackResponseWriter) Write(p []byte) (int, error) { return w.conn.Write(p) }

func (w *hijackResponseWriter) WriteHeader(int) {}

func (w *hijackResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.conn, bufio.NewReadWriter(w.reader, bufio.NewWriter(w.conn)), nil
}

func (t *wsTransmission) ReadFrame() ([]byte, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()
	for {
		if t.closed.Load() {
			return nil, ErrClosed
		}
		messageType, payload, err := t.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(payload) == 0 {
			return nil, ErrZeroFrame
		}
		return payload, nil
	}
}

func (t *wsTransmission) WriteFrame(p []byte) error {
	if len(p) == 0 {
		return ErrZeroFrame
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed.Load() {
		return ErrClosed
	}
	return t.ws.WriteMessage(websocket.BinaryMessage, p)
}

func (t *wsTransmission) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.ws != nil {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := t.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second)); err != nil &&
			!errors.Is(err, websocket.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
			_ = t.ws.Close()
			return t.raw.Close()
		}
		_ = t.ws.Close()
	}
	return t.raw.Close()
}

func (t *wsTransmission) LocalAddr() net.Addr  { return t.raw.LocalAddr() }
func (t *wsTransmission) RemoteAddr() net.Addr { return t.raw.RemoteAddr() }
