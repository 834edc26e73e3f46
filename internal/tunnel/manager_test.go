// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package tunnel

import (
	"context"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liulilittle/frp/internal/transport"
)

type fakeTransmission struct {
	name   string
	closed atomic.Bool
}

func (f *fakeTransmission) Handshake(context.Context, transport.Role) error { return nil }
func (f *fakeTransmission) ReadFrame() ([]byte, error)                      { return nil, transport.ErrClosed }
func (f *fakeTransmission) WriteFrame([]byte) error                         { return nil }
func (f *fakeTransmission) Close() error                                    { f.closed.Store(true); return nil }
func (f *fakeTransmission) LocalAddr() net.Addr                             { return nil }
func (f *fakeTransmission) RemoteAddr() net.Addr                            { return nil }

type fakeConnection struct {
	closed atomic.Bool
}

func (f *fakeConnection) Close() { f.closed.Store(true) }

func TestManagerRotation(t *testing.T) {
	m := NewManager[*fakeConnection]()
	require.Nil(t, m.Get(), "empty manager has nothing to rotate")

	a := &fakeTransmission{name: "a"}
	b := &fakeTransmission{name: "b"}
	c := &fakeTransmission{name: "c"}
	require.True(t, m.Add(a))
	require.True(t, m.Add(b))
	require.True(t, m.Add(c))
	require.False(t, m.Add(a), "duplicates are refused")

	require.Same(t, a, m.Get().(*fakeTransmission))
	require.Same(t, b, m.Get().(*fakeTransmission))
	require.Same(t, c, m.Get().(*fakeTransmission))
	require.Same(t, a, m.Get().(*fakeTransmission), "rotation wraps around")
}

func TestManagerBest(t *testing.T) {
	m := NewManager[*fakeConnection]()
	a := &fakeTransmission{name: "a"}
	b := &fakeTransmission{name: "b"}
	m.Add(a)
	m.Add(b)

	for i := 0; i < 10; i++ {
		require.True(t, m.AddConnection(a, m.NewConnectionId(), &fakeConnection{}))
	}
	for i := 0; i < 3; i++ {
		require.True(t, m.AddConnection(b, m.NewConnectionId(), &fakeConnection{}))
	}
	require.Same(t, b, m.Best().(*fakeTransmission), "least-loaded tunnel wins")

	// Ties break in favour of list order.
	empty := NewManager[*fakeConnection]()
	empty.Add(a)
	empty.Add(b)
	require.Same(t, a, empty.Best().(*fakeTransmission))
}

func TestManagerConnectionIds(t *testing.T) {
	m := NewManager[*fakeConnection]()
	a := &fakeTransmission{name: "a"}
	m.Add(a)

	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		id := m.NewConnectionId()
		require.NotZero(t, id)
		require.False(t, seen[id], "ids must be unique while registered")
		seen[id] = true
		require.True(t, m.AddConnection(a, id, &fakeConnection{}))
	}
}

func TestManagerAddConnectionRules(t *testing.T) {
	m := NewManager[*fakeConnection]()
	a := &fakeTransmission{name: "a"}
	stranger := &fakeTransmission{name: "stranger"}
	m.Add(a)

	require.False(t, m.AddConnection(a, 0, &fakeConnection{}), "id zero is reserved")
	require.False(t, m.AddConnection(stranger, 1, &fakeConnection{}), "unregistered transmission")
	require.True(t, m.AddConnection(a, 1, &fakeConnection{}))
	require.False(t, m.AddConnection(a, 1, &fakeConnection{}), "duplicate id on one tunnel")
}

func TestManagerReleaseConnection(t *testing.T) {
	m := NewManager[*fakeConnection]()
	a := &fakeTransmission{name: "a"}
	m.Add(a)

	connection := &fakeConnection{}
	m.AddConnection(a, 9, connection)

	got, ok := m.GetConnection(a, 9)
	require.True(t, ok)
	require.Same(t, connection, got)

	require.True(t, m.ReleaseConnection(a, 9))
	require.True(t, connection.closed.Load())
	require.False(t, m.ReleaseConnection(a, 9), "second release is a no-op")
	_, ok = m.GetConnection(a, 9)
	require.False(t, ok)
}

func TestManagerRemoveClosesDispatchedConnections(t *testing.T) {
	m := NewManager[*fakeConnection]()
	a := &fakeTransmission{name: "a"}
	b := &fakeTransmission{name: "b"}
	m.Add(a)
	m.Add(b)

	onA := &fakeConnection{}
	onB := &fakeConnection{}
	m.AddConnection(a, 1, onA)
	m.AddConnection(b, 2, onB)

	removed, remaining := m.Remove(a)
	require.True(t, removed)
	require.Equal(t, 1, remaining)
	require.True(t, a.closed.Load())
	require.True(t, onA.closed.Load(), "connections follow their tunnel")
	require.False(t, onB.closed.Load(), "other tunnels are untouched")

	removed, remaining = m.Remove(a)
	require.False(t, removed, "double remove")
	require.Equal(t, 1, remaining)

	_, remaining = m.Remove(b)
	require.Equal(t, 0, remaining)
}

func TestManagerCloseAll(t *testing.T) {
	m := NewManager[*fakeConnection]()
	a := &fakeTransmission{name: "a"}
	m.Add(a)
	connection := &fakeConnection{}
	m.AddConnection(a, 5, connection)

	m.CloseAll()
	require.True(t, a.closed.Load())
	require.True(t, connection.closed.Load())
	require.Equal(t, 0, m.Count())
}
