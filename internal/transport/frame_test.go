// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package transport

import (
	"bytes"
	"testing"
	"testing/iotest"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "single byte", payload: []byte{0x7f}},
		{name: "small", payload: []byte("hello")},
		{name: "max size", payload: bytes.Repeat([]byte{0xAB}, MaxFrameSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buffer bytes.Buffer
			if err := writeFrame(&buffer, tt.payload); err != nil {
				t.Fatalf("writeFrame() error = %v", err)
			}
			if buffer.Len() != 2+len(tt.payload) {
				t.Fatalf("frame length = %d, want %d", buffer.Len(), 2+len(tt.payload))
			}
			got, err := readFrame(&buffer)
			if err != nil {
				t.Fatalf("readFrame() error = %v", err)
			}
			if !bytes.Equal(got, tt.payload) {
				t.Errorf("readFrame() = %d bytes, want %d", len(got), len(tt.payload))
			}
		})
	}
}

// Transports may return arbitrarily short reads; the framer must reassemble.
func TestReadFrameShortReads(t *testing.T) {
	var buffer bytes.Buffer
	payload := []byte("reassembled across many reads")
	if err := writeFrame(&buffer, payload); err != nil {
		t.Fatalf("writeFrame() error = %v", err)
	}

	got, err := readFrame(iotest.OneByteReader(&buffer))
	if err != nil {
		t.Fatalf("readFrame() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("readFrame() = %q, want %q", got, payload)
	}
}

func TestFrameErrors(t *testing.T) {
	var buffer bytes.Buffer
	if err := writeFrame(&buffer, nil); err == nil {
		t.Error("writeFrame(empty) expected error")
	}
	if err := writeFrame(&buffer, make([]byte, MaxFrameSize+1)); err == nil {
		t.Error("writeFrame(oversized) expected error")
	}

	// A zero length prefix is a protocol violation.
	buffer.Reset()
	buffer.Write([]byte{0, 0})
	if _, err := readFrame(&buffer); err == nil {
		t.Error("readFrame(zero length) expected error")
	}

	// A truncated payload must not be silently returned.
	buffer.Reset()
	buffer.Write([]byte{0, 10, 1, 2, 3})
	if _, err := readFrame(&buffer); err == nil {
		t.Error("readFrame(truncated) expected error")
	}
}
