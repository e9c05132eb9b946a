// Package can binds the stack to a Controller Area Network bus. The
// packed identifier rides in the extended arbitration field so hardware
// filters can route without touching the payload; one chunk is one frame
// of at most FrameDataLen bytes.
package can

import (
    "fmt"

    "go.uber.org/zap"

    "gocsp/pkg/observability"
    "gocsp/pkg/transport"
)

// FrameDataLen is the classic CAN payload limit.
const FrameDataLen = 8

// Frame is one physical CAN frame.
type Frame struct {
    ID   uint32
    Data [FrameDataLen]byte
    Len  uint8
}

// Device is the externally supplied controller primitive: one frame in,
// one frame out. SendFrame returns transport.ErrBusy when no hardware
// transmit slot is free; RecvFrame blocks with the driver's own timeout.
type Device interface {
    SendFrame(Frame) error
    RecvFrame() (Frame, error)
    Close() error
}

// Binding adapts a Device to the stack's transport contract.
type Binding struct {
    name string
    dev  Device
}

func New(name string, dev Device) *Binding {
    return &Binding{name: name, dev: dev}
}

func (b *Binding) Name() string         { return b.name }
func (b *Binding) Kind() transport.Kind { return transport.KindCAN }
func (b *Binding) MTU() int             { return FrameDataLen }
func (b *Binding) Close() error         { return b.dev.Close() }

// Send packs one chunk into a single frame. Oversized chunks are a
// caller error; the stack fragments to MTU before handing down.
func (b *Binding) Send(chunk transport.Packet) error {
    if len(chunk.Payload) > FrameDataLen {
        return fmt.Errorf("%d byte chunk on %s: %w", len(chunk.Payload), b.name, transport.ErrTooLong)
    }
    f := Frame{ID: chunk.ID, Len: uint8(len(chunk.Payload))}
    copy(f.Data[:], chunk.Payload)
    return b.dev.SendFrame(f)
}

// Recv returns the next chunk from the bus. A frame whose declared length
// does not fit a CAN frame is dropped whole with transport.ErrCorrupt.
func (b *Binding) Recv() (transport.Packet, error) {
    f, err := b.dev.RecvFrame()
    if err != nil {
        return transport.Packet{}, err
    }
    if int(f.Len) > FrameDataLen {
        observability.RecordFrameRejected(b.name, "bad_dlc")
        zap.L().Warn("dropping corrupt can frame",
            zap.String("binding", b.name), zap.Uint8("dlc", f.Len))
        return transport.Packet{}, fmt.Errorf("dlc %d: %w", f.Len, transport.ErrCorrupt)
    }
    p := transport.Packet{ID: f.ID, Payload: make([]byte, f.Len)}
    copy(p.Payload, f.Data[:f.Len])
    return p, nil
}
