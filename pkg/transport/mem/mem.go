// Package mem provides an in-process loopback link: two bindings joined
// by bounded channels. It stands in for real hardware in tests and lets
// two stack instances in one process talk to each other.
package mem

import (
    "sync"

    "gocsp/pkg/transport"
)

// DefaultMTU for loopback links; generous since there is no hardware.
const DefaultMTU = 256

// DefaultDepth is the per-direction frame queue depth. A full queue makes
// Send return transport.ErrBusy, modelling a saturated transmit mailbox.
const DefaultDepth = 64

type Binding struct {
    name string
    mtu  int

    out chan transport.Packet
    in  chan transport.Packet

    closeCh chan struct{}
    once    *sync.Once
}

// Pipe returns two connected bindings named a and b. Frames sent on one
// end arrive on the other in order.
func Pipe(a, b string, mtu, depth int) (*Binding, *Binding) {
    if mtu <= 0 {
        mtu = DefaultMTU
    }
    if depth <= 0 {
        depth = DefaultDepth
    }
    ab := make(chan transport.Packet, depth)
    ba := make(chan transport.Packet, depth)
    closeCh := make(chan struct{})
    once := &sync.Once{}
    return &Binding{name: a, mtu: mtu, out: ab, in: ba, closeCh: closeCh, once: once},
        &Binding{name: b, mtu: mtu, out: ba, in: ab, closeCh: closeCh, once: once}
}

// Loop returns a single binding whose sends arrive on its own receive
// side. Useful for exercising a full stack round-trip in one instance.
func Loop(name string, mtu, depth int) *Binding {
    a, _ := Pipe(name, name+"-peer", mtu, depth)
    a.in = a.out
    return a
}

func (b *Binding) Name() string         { return b.name }
func (b *Binding) Kind() transport.Kind { return transport.KindMem }
func (b *Binding) MTU() int             { return b.mtu }

func (b *Binding) Send(chunk transport.Packet) error {
    if len(chunk.Payload) > b.mtu {
        return transport.ErrTooLong
    }
    // Copy so the sender keeps ownership of its payload storage.
    cp := transport.Packet{ID: chunk.ID, Payload: append([]byte(nil), chunk.Payload...)}
    select {
    case <-b.closeCh:
        return transport.ErrClosed
    default:
    }
    select {
    case b.out <- cp:
        return nil
    default:
        return transport.ErrBusy
    }
}

func (b *Binding) Recv() (transport.Packet, error) {
    select {
    case <-b.closeCh:
        return transport.Packet{}, transport.ErrClosed
    case p := <-b.in:
        return p, nil
    }
}

func (b *Binding) Close() error {
    b.once.Do(func() { close(b.closeCh) })
    return nil
}
