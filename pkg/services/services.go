// Package services implements the reserved CSP service ports (ping,
// memory report, uptime, reboot and friends) on top of the router's
// dispatch contract.
package services

import (
    "encoding/binary"
    "fmt"
    "runtime"
    "time"

    "go.uber.org/zap"

    "gocsp/pkg/protocol"
    "gocsp/pkg/protocol/codec"
    "gocsp/pkg/router"
    "gocsp/pkg/socket"
)

// Sender transmits a reply packet back through the stack.
type Sender interface {
    Send(*protocol.Packet) error
}

// Hooks receive reboot/shutdown requests that carried the right magic.
// Nil hooks turn the request into a log line.
type Hooks struct {
    Reboot   func()
    Shutdown func()
}

// Stats is the management reply on port 0.
type Stats struct {
    UptimeS      uint32 `json:"uptime_s" cbor:"uptime_s"`
    BuffersFree  int    `json:"buffers_free" cbor:"buffers_free"`
    BuffersTotal int    `json:"buffers_total" cbor:"buffers_total"`
    Goroutines   int    `json:"goroutines" cbor:"goroutines"`
    HeapAlloc    uint64 `json:"heap_alloc" cbor:"heap_alloc"`
    Neighbors    int    `json:"neighbors" cbor:"neighbors"`
}

// Option customizes the handlers.
type Option func(*Handlers)

// WithStats adds a decorator run on every management report before it
// is encoded; the host wires in figures the services cannot see, like
// the live neighbor count.
func WithStats(fn func(*Stats)) Option {
    return func(h *Handlers) { h.statsFns = append(h.statsFns, fn) }
}

// Handlers owns the service state behind the reserved ports.
type Handlers struct {
    sender  Sender
    pool    *protocol.Pool
    hooks    Hooks
    started  time.Time
    reg      *codec.Registry
    statsFns []func(*Stats)
}

// Register creates the handlers and binds them on ports 0..6.
func Register(tbl *router.Table, sender Sender, pool *protocol.Pool, hooks Hooks, opts ...Option) (*Handlers, error) {
    reg := codec.NewRegistry()
    if c, err := codec.CBOR(); err == nil {
        reg.Register(c)
    } else {
        return nil, fmt.Errorf("services: cbor codec: %w", err)
    }
    h := &Handlers{sender: sender, pool: pool, hooks: hooks, started: time.Now(), reg: reg}
    for _, o := range opts {
        o(h)
    }

    bind := func(port uint8, fn func(*protocol.Packet)) error {
        // Delivery transfers packet ownership to the listener; the
        // handlers copy what they reply with, so the request buffer goes
        // back to the pool as soon as the handler returns.
        s, err := socket.New(port, socket.None, socket.ListenerFunc(func(p *protocol.Packet) {
            fn(p)
            p.Free()
        }))
        if err != nil {
            return err
        }
        return tbl.Bind(s)
    }
    for _, b := range []struct {
        port uint8
        fn   func(*protocol.Packet)
    }{
        {protocol.PortCMP, h.handleCMP},
        {protocol.PortPing, h.handlePing},
        {protocol.PortPS, h.handlePS},
        {protocol.PortMemFree, h.handleMemFree},
        {protocol.PortReboot, h.handleReboot},
        {protocol.PortBufFree, h.handleBufFree},
        {protocol.PortUptime, h.handleUptime},
    } {
        if err := bind(b.port, b.fn); err != nil {
            return nil, fmt.Errorf("services: bind port %d: %w", b.port, err)
        }
    }
    return h, nil
}

// reply sends payload back to the requester: addresses and ports swap,
// priority is preserved, flags start clean (the stack re-applies any
// configured security treatments on the way out).
func (h *Handlers) reply(req *protocol.Packet, payload []byte) {
    out := protocol.NewPacket(protocol.Header{
        Prio:  req.Header.Prio,
        Src:   req.Header.Dst,
        Dst:   req.Header.Src,
        DPort: req.Header.SPort,
        SPort: req.Header.DPort,
    }, payload)
    if err := h.sender.Send(out); err != nil {
        zap.L().Warn("service reply failed",
            zap.String("header", out.Header.String()), zap.Error(err))
    }
}

func be32(v uint32) []byte {
    var b [4]byte
    binary.BigEndian.PutUint32(b[:], v)
    return b[:]
}

func (h *Handlers) handlePing(req *protocol.Packet) {
    h.reply(req, req.Payload)
}

func (h *Handlers) handlePS(req *protocol.Packet) {
    h.reply(req, be32(uint32(runtime.NumGoroutine())))
}

func (h *Handlers) handleMemFree(req *protocol.Packet) {
    var m runtime.MemStats
    runtime.ReadMemStats(&m)
    free := m.HeapSys - m.HeapAlloc
    if free > 0xFFFFFFFF {
        free = 0xFFFFFFFF
    }
    h.reply(req, be32(uint32(free)))
}

func (h *Handlers) handleBufFree(req *protocol.Packet) {
    n := 0
    if h.pool != nil {
        n = h.pool.Free()
    }
    h.reply(req, be32(uint32(n)))
}

func (h *Handlers) handleUptime(req *protocol.Packet) {
    h.reply(req, be32(uint32(time.Since(h.started)/time.Second)))
}

// handleReboot acts only on an exact 4-byte magic; anything else is
// ignored so a stray packet can never restart the node.
func (h *Handlers) handleReboot(req *protocol.Packet) {
    if len(req.Payload) != 4 {
        zap.L().Warn("reboot request with malformed payload", zap.Int("len", len(req.Payload)))
        return
    }
    switch binary.BigEndian.Uint32(req.Payload) {
    case protocol.RebootMagic:
        zap.L().Info("reboot requested")
        if h.hooks.Reboot != nil {
            h.hooks.Reboot()
        }
    case protocol.ShutdownMagic:
        zap.L().Info("shutdown requested")
        if h.hooks.Shutdown != nil {
            h.hooks.Shutdown()
        }
    default:
        zap.L().Warn("reboot request with unknown magic")
    }
}

// handleCMP answers the management port with node statistics. A request
// payload naming a registered content type selects the encoding; the
// default is CBOR.
func (h *Handlers) handleCMP(req *protocol.Packet) {
    ct := "application/cbor"
    if len(req.Payload) > 0 {
        if c := h.reg.Get(string(req.Payload)); c != nil {
            ct = c.ContentType()
        }
    }
    st := h.stats()
    b, err := h.reg.Get(ct).Marshal(st)
    if err != nil {
        zap.L().Error("stats encode failed", zap.Error(err))
        return
    }
    h.reply(req, b)
}

func (h *Handlers) stats() Stats {
    var m runtime.MemStats
    runtime.ReadMemStats(&m)
    st := Stats{
        UptimeS:    uint32(time.Since(h.started) / time.Second),
        Goroutines: runtime.NumGoroutine(),
        HeapAlloc:  m.HeapAlloc,
    }
    if h.pool != nil {
        st.BuffersFree = h.pool.Free()
        st.BuffersTotal = h.pool.Cap()
    }
    for _, fn := range h.statsFns {
        fn(&st)
    }
    return st
}
