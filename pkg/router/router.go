// Package router dispatches reassembled, validated packets to local
// listeners by destination port.
package router

import (
    "errors"
    "fmt"
    "sync"

    "go.uber.org/zap"

    "gocsp/pkg/observability"
    "gocsp/pkg/protocol"
    "gocsp/pkg/socket"
)

// ErrPortInUse reports a second bind on an already-bound port. Fatal to
// the registration call only.
var ErrPortInUse = errors.New("router: port already bound")

// Table maps destination ports to sockets. protocol.PortAny binds the
// wildcard slot, matched only when no exact-port socket exists.
type Table struct {
    mu       sync.RWMutex
    exact    map[uint8]*socket.Socket
    wildcard *socket.Socket
}

func NewTable() *Table {
    return &Table{exact: make(map[uint8]*socket.Socket)}
}

// Bind registers a socket on its port.
func (t *Table) Bind(s *socket.Socket) error {
    t.mu.Lock()
    defer t.mu.Unlock()
    if s.Port() == protocol.PortAny {
        if t.wildcard != nil {
            return fmt.Errorf("wildcard: %w", ErrPortInUse)
        }
        t.wildcard = s
        return nil
    }
    if _, ok := t.exact[s.Port()]; ok {
        return fmt.Errorf("port %d: %w", s.Port(), ErrPortInUse)
    }
    t.exact[s.Port()] = s
    return nil
}

// Unbind removes the socket bound to port, if any.
func (t *Table) Unbind(port uint8) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if port == protocol.PortAny {
        t.wildcard = nil
        return
    }
    delete(t.exact, port)
}

// Lookup resolves a destination port: exact binding first, wildcard as
// the fallback, nil when neither exists.
func (t *Table) Lookup(port uint8) *socket.Socket {
    t.mu.RLock()
    defer t.mu.RUnlock()
    if s, ok := t.exact[port]; ok {
        return s
    }
    return t.wildcard
}

// Dispatch delivers a complete packet to the matching socket after the
// option policy check. It reports whether the packet was delivered;
// undeliverable packets are dropped and counted, never bounced back.
func (t *Table) Dispatch(p *protocol.Packet) bool {
    s := t.Lookup(p.Header.DPort)
    if s == nil {
        observability.RecordPacketDropped(observability.DropNoListener)
        zap.L().Debug("no listener for packet", zap.String("header", p.Header.String()))
        return false
    }
    if err := s.Check(p.Header); err != nil {
        observability.RecordPacketDropped(observability.DropOptionMismatch)
        zap.L().Debug("option mismatch", zap.String("header", p.Header.String()), zap.Error(err))
        return false
    }
    s.Deliver(p)
    return true
}
