// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/xtaci/smux"
)

// smuxTransmission runs the framed protocol over a single smux stream on
// top of raw TCP, gaining smux's own keepalive probing.
type smuxTransmission struct {
	streamTransmission
	raw     net.Conn
	session *smux.Session
}

func newSmux(conn net.Conn) *smuxTransmission {
	t := &smuxTransmission{raw: conn}
	t.localEP = conn.LocalAddr()
	t.remoteEP = conn.RemoteAddr()
	return t
}

func (t *smuxTransmission) Handshake(ctx context.Context, role Role) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.raw.SetDeadline(deadline)
		defer t.raw.SetDeadline(time.Time{})
	}

	smuxConfig := smux.DefaultConfig()
	smuxConfig.KeepAliveInterval = 25 * time.Second
	smuxConfig.KeepAliveTimeout = 60 * time.Second

	var err error
	var stream *smux.Stream
	if role == RoleClient {
		if t.session, err = smux.Client(t.raw, smuxConfig); err == nil {
			stream, err = t.session.OpenStream()
		}
	} else {
		if t.session, err = smux.Server(t.raw, smuxConfig); err == nil {
			stream, err = t.session.AcceptStream()
		}
	}
	if err != nil {
		t.Close()
		return fmt.Errorf("smux handshake: %w", err)
	}
	t.conn = stream
	return nil
}

func (t *smuxTransmission) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.session != nil {
		_ = t.session.Close()
	}
	return t.raw.Close()
}
