package protocol

import (
    "errors"
    "sync"
)

// ErrNoBuffers reports an exhausted packet pool.
var ErrNoBuffers = errors.New("protocol: no free packet buffers")

// Pool is a fixed-capacity packet buffer pool. Each buffer carries
// PaddingBytes of leading headroom plus room for the configured maximum
// payload. The free count backs the port-5 buffer report service.
type Pool struct {
    mu      sync.Mutex
    free    []*Packet
    cap     int
    datacap int
}

// NewPool creates a pool of n buffers able to hold payloads up to
// maxPayload bytes each.
func NewPool(n, maxPayload int) *Pool {
    if n <= 0 {
        n = 16
    }
    p := &Pool{cap: n, datacap: PaddingBytes + maxPayload}
    p.free = make([]*Packet, 0, n)
    for i := 0; i < n; i++ {
        p.free = append(p.free, &Packet{pool: p, Payload: make([]byte, 0, p.datacap)})
    }
    return p
}

// Get takes a buffer from the pool. It fails with ErrNoBuffers when the
// pool is exhausted; the caller backs off rather than allocating.
func (p *Pool) Get() (*Packet, error) {
    p.mu.Lock()
    defer p.mu.Unlock()
    if len(p.free) == 0 {
        return nil, ErrNoBuffers
    }
    pkt := p.free[len(p.free)-1]
    p.free = p.free[:len(p.free)-1]
    pkt.Header = Header{}
    pkt.Payload = pkt.Payload[:0]
    return pkt, nil
}

func (p *Pool) put(pkt *Packet) {
    p.mu.Lock()
    defer p.mu.Unlock()
    if len(p.free) < p.cap {
        p.free = append(p.free, pkt)
    }
}

// Free reports how many buffers are currently available.
func (p *Pool) Free() int {
    p.mu.Lock()
    defer p.mu.Unlock()
    return len(p.free)
}

// Cap reports the pool capacity.
func (p *Pool) Cap() int { return p.cap }
