// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/liulilittle/frp/internal/config"
	"github.com/liulilittle/frp/internal/crypto"
)

// encryptorTransmission frames symmetric-cipher ciphertext over a stream
// connection. The length prefix describes the ciphertext; the first
// encrypted payload in each direction carries the sender's IV at its front.
type encryptorTransmission struct {
	readMu    sync.Mutex
	writeMu   sync.Mutex
	conn      net.Conn
	encryptor *crypto.Encryptor
	closed    atomic.Bool
}

func newEncryptor(cfg *config.AppConfiguration, conn net.Conn) (*encryptorTransmission, error) {
	encryptor, err := crypto.New(cfg.Protocols.Encryptor.Method, cfg.Protocols.Encryptor.Password)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &encryptorTransmission{conn: conn, encryptor: encryptor}, nil
}

func (t *encryptorTransmission) Handshake(context.Context, Role) error { return nil }

func (t *encryptorTransmission) ReadFrame() ([]byte, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()
	if t.closed.Load() {
		return nil, ErrClosed
	}
	ciphertext, err := readFrame(t.conn)
	if err != nil {
		return nil, err
	}
	plaintext, err := t.encryptor.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	if len(plaintext) == 0 {
		return nil, ErrZeroFrame
	}
	return plaintext, nil
}

func (t *encryptorTransmission) WriteFrame(p []byte) error {
	if len(p) == 0 {
		return ErrZeroFrame
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed.Load() {
		return ErrClosed
	}
	ciphertext, err := t.encryptor.Encrypt(p)
	if err != nil {
		return err
	}
	return writeFrame(t.conn, ciphertext)
}

func (t *encryptorTransmission) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}

func (t *encryptorTransmission) LocalAddr() net.Addr  { return t.conn.LocalAddr() }
func (t *encryptorTransmission) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }
