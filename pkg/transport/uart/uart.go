// Package uart binds the stack to a point-to-point serial link. UART has
// no out-of-band addressing, so the full identifier is serialized into
// the byte stream ahead of the payload:
//
//  0      sync byte 0xC5
//  1..4   identifier, big-endian
//  5..6   payload length, big-endian
//  7..    payload
//
// Receive scans for the sync byte and validates the declared length, so a
// desynchronized stream recovers at the next plausible frame boundary.
package uart

import (
    "bufio"
    "encoding/binary"
    "fmt"
    "io"
    "sync"

    "go.uber.org/zap"

    "gocsp/pkg/observability"
    "gocsp/pkg/transport"
)

// SyncByte marks a frame start on the wire.
const SyncByte = 0xC5

const headerLen = 7 // sync + id(4) + length(2)

// DefaultMTU bounds the payload of one serial frame.
const DefaultMTU = 256

// Binding adapts an externally supplied serial port (already configured
// for baud rate and read timeout by the driver layer) to the transport
// contract.
type Binding struct {
    name string
    port io.ReadWriteCloser
    br   *bufio.Reader
    mtu  int

    wmu sync.Mutex

    // resyncLimit bounds how many junk bytes one Recv call may discard
    // before giving up with ErrDesync.
    resyncLimit int
}

// Option tweaks a Binding.
type Option func(*Binding)

// WithMTU overrides the frame payload limit.
func WithMTU(mtu int) Option {
    return func(b *Binding) {
        if mtu > 0 {
            b.mtu = mtu
        }
    }
}

func New(name string, port io.ReadWriteCloser, opts ...Option) *Binding {
    b := &Binding{
        name:        name,
        port:        port,
        br:          bufio.NewReader(port),
        mtu:         DefaultMTU,
        resyncLimit: 4096,
    }
    for _, o := range opts {
        o(b)
    }
    return b
}

func (b *Binding) Name() string         { return b.name }
func (b *Binding) Kind() transport.Kind { return transport.KindUART }
func (b *Binding) MTU() int             { return b.mtu }
func (b *Binding) Close() error         { return b.port.Close() }

// Send writes one chunk as a single frame. The frame is assembled into
// one buffer so a partial write cannot interleave with another sender.
func (b *Binding) Send(chunk transport.Packet) error {
    if len(chunk.Payload) > b.mtu {
        return fmt.Errorf("%d byte chunk on %s: %w", len(chunk.Payload), b.name, transport.ErrTooLong)
    }
    buf := make([]byte, headerLen+len(chunk.Payload))
    buf[0] = SyncByte
    binary.BigEndian.PutUint32(buf[1:5], chunk.ID)
    binary.BigEndian.PutUint16(buf[5:7], uint16(len(chunk.Payload)))
    copy(buf[headerLen:], chunk.Payload)

    b.wmu.Lock()
    defer b.wmu.Unlock()
    _, err := b.port.Write(buf)
    return err
}

// Recv blocks until a complete frame arrives. Junk bytes ahead of a
// plausible header are discarded; once the limit of discarded bytes is
// reached the call reports transport.ErrDesync and the caller retries.
func (b *Binding) Recv() (transport.Packet, error) {
    skipped := 0
    for {
        if skipped > b.resyncLimit {
            observability.RecordFrameRejected(b.name, "desync")
            return transport.Packet{}, fmt.Errorf("discarded %d bytes on %s: %w",
                skipped, b.name, transport.ErrDesync)
        }
        c, err := b.br.ReadByte()
        if err != nil {
            return transport.Packet{}, err
        }
        if c != SyncByte {
            skipped++
            continue
        }
        hdr, err := b.br.Peek(headerLen - 1)
        if err != nil {
            return transport.Packet{}, err
        }
        // The peeked slice is only valid until the next reader call, so
        // both fields are parsed out before the Discard below.
        id := binary.BigEndian.Uint32(hdr[0:4])
        length := int(binary.BigEndian.Uint16(hdr[4:6]))
        if length > b.mtu {
            // Not a real frame start; treat the sync byte as noise and
            // keep scanning from the next byte.
            skipped++
            continue
        }
        if _, err := b.br.Discard(headerLen - 1); err != nil {
            return transport.Packet{}, err
        }
        p := transport.Packet{
            ID:      id,
            Payload: make([]byte, length),
        }
        if _, err := io.ReadFull(b.br, p.Payload); err != nil {
            observability.RecordFrameRejected(b.name, "truncated")
            return transport.Packet{}, fmt.Errorf("%s payload short read: %w", b.name, transport.ErrCorrupt)
        }
        if skipped > 0 {
            observability.RecordFrameRejected(b.name, "resync_skip")
            zap.L().Warn("resynchronized uart stream",
                zap.String("binding", b.name), zap.Int("skipped", skipped))
        }
        return p, nil
    }
}
