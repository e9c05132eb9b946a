// Package transport defines the binding interface between the stack and
// the physical media (CAN bus, UART link, in-process loopback).
//
// A Binding maps one logical chunk to one physical frame and back. The
// raw one-frame-in/one-frame-out primitive (CAN controller driver, serial
// port) is supplied externally; bindings are thin adapters over it.
package transport

import (
    "errors"
)

// Kind identifies the physical medium of a binding.
type Kind int

const (
    KindUnknown Kind = iota
    KindCAN
    KindUART
    KindMem
)

func (k Kind) String() string {
    switch k {
    case KindCAN:
        return "can"
    case KindUART:
        return "uart"
    case KindMem:
        return "mem"
    default:
        return "unknown"
    }
}

var (
    // ErrBusy means no free transmit slot; the caller backs off and
    // retries, the frame is never silently dropped.
    ErrBusy = errors.New("transport: transmit busy")
    // ErrCorrupt means a received frame was malformed or truncated.
    // The partial unit is dropped, never partially delivered.
    ErrCorrupt = errors.New("transport: corrupt frame")
    // ErrDesync means the receive stream lost framing and had to be
    // resynchronized; the current unit is lost.
    ErrDesync = errors.New("transport: stream desynchronized")
    // ErrClosed means the binding has been shut down.
    ErrClosed = errors.New("transport: closed")
    // ErrTooLong means a chunk exceeds the binding MTU; the caller
    // must fragment before handing the packet down.
    ErrTooLong = errors.New("transport: chunk exceeds mtu")
)

// Binding is one attached medium. Send transmits exactly one chunk (a
// packet whose payload fits the MTU); Recv blocks for the next decoded
// chunk. Chunks of one logical packet must be sent in order on a single
// goroutine; the stack serializes sends per binding.
type Binding interface {
    Name() string
    Kind() Kind
    // MTU is the largest chunk payload this medium carries in one frame.
    MTU() int
    Send(chunk Packet) error
    Recv() (Packet, error)
    Close() error
}

// Packet is the minimal view bindings exchange with the stack: a packed
// identifier plus payload bytes. Bindings never interpret field meaning
// beyond packing the identifier into the medium's addressing space.
type Packet struct {
    ID      uint32
    Payload []byte
}
