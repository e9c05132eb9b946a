package protocol

// Packet is the unit of work handed between the assembler, the transport
// bindings and the router. A packet is exclusively owned by whichever
// stage currently holds it; ownership transfers on hand-off and the
// payload is never aliased concurrently.
type Packet struct {
    Header  Header
    Payload []byte

    pool *Pool
}

// NewPacket returns a pool-less packet with the payload backing storage
// sized exactly to len(payload). The payload bytes are copied so the
// caller keeps ownership of its slice.
func NewPacket(h Header, payload []byte) *Packet {
    p := &Packet{Header: h}
    if len(payload) > 0 {
        p.Payload = append(make([]byte, 0, len(payload)), payload...)
    }
    return p
}

// Len reports the payload length in bytes.
func (p *Packet) Len() int { return len(p.Payload) }

// Clone returns a deep copy not attached to any pool.
func (p *Packet) Clone() *Packet {
    return NewPacket(p.Header, p.Payload)
}

// Free returns the packet to its pool, if it came from one.
func (p *Packet) Free() {
    if p.pool != nil {
        p.pool.put(p)
    }
}
