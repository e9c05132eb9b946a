// Package fragment splits outbound payloads into transport-sized chunks
// and reassembles inbound chunks into complete packets.
package fragment

import (
    "errors"
    "fmt"
    "sync"
    "time"

    "go.uber.org/zap"

    "gocsp/pkg/observability"
    "gocsp/pkg/protocol"
)

// ErrPayloadTooLarge reports a reassembly that would exceed the configured
// maximum. The offending session is discarded.
var ErrPayloadTooLarge = errors.New("fragment: reassembled payload too large")

// Key identifies one in-progress reassembly: a connection-less session.
// Chunks are not sequence-numbered; the protocol relies on the transport
// preserving arrival order per key.
type Key struct {
    Src   uint8
    DPort uint8
    SPort uint8
}

// KeyOf derives the session key from a chunk header.
func KeyOf(h protocol.Header) Key {
    return Key{Src: h.Src, DPort: h.DPort, SPort: h.SPort}
}

// Config tunes reassembly limits.
type Config struct {
    // MaxPayload bounds the accumulated payload per session.
    MaxPayload int
    // Staleness is how long an idle session survives before eviction.
    Staleness time.Duration
    // SweepEvery is the eviction sweep period. Zero disables the
    // background sweeper (tests drive Sweep directly).
    SweepEvery time.Duration
    // Buffers, when set, backs sessions and completed packets with
    // pooled storage: a session holds one buffer for its lifetime and
    // ownership passes to the caller on completion. Nil falls back to
    // heap allocation.
    Buffers *protocol.Pool
}

func (c *Config) withDefaults() Config {
    res := *c
    if res.MaxPayload <= 0 {
        res.MaxPayload = 1 << 16
    }
    if res.Staleness <= 0 {
        res.Staleness = 5 * time.Second
    }
    return res
}

type session struct {
    pkt      *protocol.Packet
    lastSeen time.Time
}

// Assembler owns the fragment-in-progress table. All mutation happens
// under one mutex so the sweeper never corrupts an in-flight append.
type Assembler struct {
    mu       sync.Mutex
    sessions map[Key]*session
    cfg      Config

    nowFn   func() time.Time
    closeCh chan struct{}
    wg      sync.WaitGroup
}

// New creates an assembler and, when cfg.SweepEvery is set, starts the
// background eviction sweeper. Close stops it.
func New(cfg Config) *Assembler {
    a := &Assembler{
        sessions: make(map[Key]*session),
        cfg:      cfg.withDefaults(),
        nowFn:    time.Now,
        closeCh:  make(chan struct{}),
    }
    if cfg.SweepEvery > 0 {
        a.wg.Add(1)
        go a.sweeper(cfg.SweepEvery)
    }
    return a
}

// Close stops the background sweeper and drops all open sessions,
// returning their buffers to the pool.
func (a *Assembler) Close() {
    select {
    case <-a.closeCh:
    default:
        close(a.closeCh)
    }
    a.wg.Wait()
    a.mu.Lock()
    for _, s := range a.sessions {
        s.pkt.Free()
    }
    a.sessions = make(map[Key]*session)
    a.mu.Unlock()
}

// newPacket allocates the packet handed up on completion: pooled when a
// pool is configured, plain otherwise. The payload bytes are copied.
func (a *Assembler) newPacket(h protocol.Header, payload []byte) (*protocol.Packet, error) {
    if a.cfg.Buffers == nil {
        return protocol.NewPacket(h, payload), nil
    }
    p, err := a.cfg.Buffers.Get()
    if err != nil {
        return nil, err
    }
    p.Header = h
    p.Payload = append(p.Payload, payload...)
    return p, nil
}

// Split chunks a packet for a transport with the given MTU. Every chunk
// except the last carries FlagFrag; payload bytes are copied so chunks own
// their storage. An empty payload yields a single unfragmented chunk.
func Split(p *protocol.Packet, mtu int) ([]*protocol.Packet, error) {
    if mtu <= 0 {
        return nil, fmt.Errorf("fragment: invalid mtu %d", mtu)
    }
    data := p.Payload
    total := (len(data) + mtu - 1) / mtu
    if total <= 1 {
        c := protocol.NewPacket(p.Header, data)
        c.Header.SetFlag(protocol.FlagFrag, false)
        return []*protocol.Packet{c}, nil
    }
    out := make([]*protocol.Packet, 0, total)
    for i := 0; i < total; i++ {
        start := i * mtu
        end := start + mtu
        if end > len(data) {
            end = len(data)
        }
        c := protocol.NewPacket(p.Header, data[start:end])
        c.Header.SetFlag(protocol.FlagFrag, i != total-1)
        out = append(out, c)
    }
    return out, nil
}

// Push feeds one received chunk into the table. It returns the completed
// packet when the chunk carried a clear fragmentation flag, nil while the
// session stays open. ErrPayloadTooLarge discards the session.
func (a *Assembler) Push(chunk *protocol.Packet) (*protocol.Packet, error) {
    key := KeyOf(chunk.Header)
    now := a.nowFn()

    a.mu.Lock()
    defer a.mu.Unlock()

    s := a.sessions[key]
    if s != nil && now.Sub(s.lastSeen) > a.cfg.Staleness {
        // Stale leftover: a completing chunk must start fresh, never
        // resume old data.
        delete(a.sessions, key)
        s.pkt.Free()
        observability.RecordSessionEvicted()
        s = nil
    }

    last := !chunk.Header.HasFlag(protocol.FlagFrag)
    if s == nil && last {
        // Unfragmented fast path.
        return a.newPacket(chunk.Header, chunk.Payload)
    }
    if s == nil {
        pkt, err := a.newPacket(chunk.Header, nil)
        if err != nil {
            return nil, err
        }
        s = &session{pkt: pkt}
        a.sessions[key] = s
    }
    if s.pkt.Len()+len(chunk.Payload) > a.cfg.MaxPayload {
        delete(a.sessions, key)
        n := s.pkt.Len()
        s.pkt.Free()
        return nil, fmt.Errorf("session %v at %d+%d bytes: %w",
            key, n, len(chunk.Payload), ErrPayloadTooLarge)
    }
    s.pkt.Payload = append(s.pkt.Payload, chunk.Payload...)
    s.lastSeen = now
    if !last {
        return nil, nil
    }
    delete(a.sessions, key)
    s.pkt.Header = chunk.Header
    s.pkt.Header.SetFlag(protocol.FlagFrag, false)
    return s.pkt, nil
}

// Sweep evicts sessions idle beyond the staleness window and reports how
// many were dropped.
func (a *Assembler) Sweep() int {
    now := a.nowFn()
    a.mu.Lock()
    defer a.mu.Unlock()
    n := 0
    for k, s := range a.sessions {
        if now.Sub(s.lastSeen) > a.cfg.Staleness {
            delete(a.sessions, k)
            s.pkt.Free()
            observability.RecordSessionEvicted()
            n++
        }
    }
    return n
}

// Open reports the number of in-progress sessions.
func (a *Assembler) Open() int {
    a.mu.Lock()
    defer a.mu.Unlock()
    return len(a.sessions)
}

func (a *Assembler) sweeper(every time.Duration) {
    defer a.wg.Done()
    t := time.NewTicker(every)
    defer t.Stop()
    for {
        select {
        case <-a.closeCh:
            return
        case <-t.C:
            if n := a.Sweep(); n > 0 {
                zap.L().Debug("evicted stale fragment sessions", zap.Int("count", n))
            }
        }
    }
}
