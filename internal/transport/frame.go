// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Every stream-underlay payload is framed as len_hi len_lo payload[len] with
// len in [1, 65535]. Message transports (websocket, dtls) carry the payload
// as one message and skip the prefix.
const MaxFrameSize = 65535

// MaxDatagramSize bounds UDP reads so that a WriteTo packet (command byte
// plus address record) still fits one frame even when the encryptor prefixes
// its IV to the first payload.
const MaxDatagramSize = 65487

var (
	ErrZeroFrame     = errors.New("zero-length frame")
	ErrFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)
)

// readFrame reads exactly one frame, reassembling short reads.
func readFrame(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[:]))
	if length == 0 {
		return nil, ErrZeroFrame
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// writeFrame emits the length prefix and payload as a single write so that
// concurrent writers serialized above it cannot interleave.
func writeFrame(w io.Writer, p []byte) error {
	if len(p) == 0 {
		return ErrZeroFrame
	}
	if len(p) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buffer := make([]byte, 2+len(p))
	binary.BigEndian.PutUint16(buffer, uint16(len(p)))
	copy(buffer[2:], p)
	_, err := w.Write(buffer)
	return err
}
