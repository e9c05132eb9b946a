package protocol

import (
    "errors"
    "fmt"
)

// CSP identifier layout (32 bits, read MSB first):
//
//  31..30  Priority          (2 bits)
//  29..25  Source address    (5 bits)
//  24..20  Destination address (5 bits)
//  19..14  Destination port  (6 bits)
//  13..8   Source port       (6 bits)
//  7 ..0   Flags             (8 bits)
//
// The packed value is big-endian wherever it appears as bytes on a wire.
// Masks and shifts below are derived from the width constants so a width
// change is a one-place edit.
const (
    PrioBits  = 2
    HostBits  = 5
    PortBits  = 6
    FlagsBits = 8
)

// Field maxima (inclusive).
const (
    PrioMax  = 1<<PrioBits - 1
    HostMax  = 1<<HostBits - 1
    PortMax  = 1<<PortBits - 1
    FlagsMax = 1<<FlagsBits - 1
)

// Field shifts within the packed identifier.
const (
    FlagsShift = 0
    SPortShift = FlagsShift + FlagsBits
    DPortShift = SPortShift + PortBits
    DstShift   = DPortShift + PortBits
    SrcShift   = DstShift + HostBits
    PrioShift  = SrcShift + HostBits
)

// Field masks within the packed identifier.
const (
    FlagsMask = uint32(FlagsMax) << FlagsShift
    SPortMask = uint32(PortMax) << SPortShift
    DPortMask = uint32(PortMax) << DPortShift
    DstMask   = uint32(HostMax) << DstShift
    SrcMask   = uint32(HostMax) << SrcShift
    PrioMask  = uint32(PrioMax) << PrioShift

    // ConnMask covers everything identifying a connection
    // (both addresses and both ports).
    ConnMask = SrcMask | DstMask | DPortMask | SPortMask
)

// Header flag bits (low byte of the identifier).
const (
    FlagRes1  uint8 = 0x80 // reserved
    FlagRes2  uint8 = 0x40 // reserved
    FlagRes3  uint8 = 0x20 // reserved
    FlagFrag  uint8 = 0x10 // fragmentation in progress, more chunks follow
    FlagHMAC  uint8 = 0x08 // HMAC trailer attached
    FlagXTEA  uint8 = 0x04 // payload XTEA-encrypted
    FlagRDP   uint8 = 0x02 // RDP in use
    FlagCRC32 uint8 = 0x01 // CRC32 trailer attached
)

// Message priorities.
const (
    PrioCritical uint8 = 0
    PrioHigh     uint8 = 1
    PrioNorm     uint8 = 2
    PrioLow      uint8 = 3
)

// ErrFieldOverflow reports an identifier field that does not fit its bit
// width. This is a programming/configuration error, not a wire condition.
var ErrFieldOverflow = errors.New("protocol: header field overflows bit width")

// Header holds the decoded identifier fields.
type Header struct {
    Prio  uint8
    Src   uint8
    Dst   uint8
    DPort uint8
    SPort uint8
    Flags uint8
}

// Encode packs the header into a 32-bit identifier. It fails with
// ErrFieldOverflow if any field exceeds its width.
func (h Header) Encode() (uint32, error) {
    switch {
    case h.Prio > PrioMax:
        return 0, fmt.Errorf("priority %d: %w", h.Prio, ErrFieldOverflow)
    case h.Src > HostMax:
        return 0, fmt.Errorf("source %d: %w", h.Src, ErrFieldOverflow)
    case h.Dst > HostMax:
        return 0, fmt.Errorf("destination %d: %w", h.Dst, ErrFieldOverflow)
    case h.DPort > PortMax:
        return 0, fmt.Errorf("destination port %d: %w", h.DPort, ErrFieldOverflow)
    case h.SPort > PortMax:
        return 0, fmt.Errorf("source port %d: %w", h.SPort, ErrFieldOverflow)
    }
    // Flags is a full byte; nothing to check.
    return uint32(h.Prio)<<PrioShift |
        uint32(h.Src)<<SrcShift |
        uint32(h.Dst)<<DstShift |
        uint32(h.DPort)<<DPortShift |
        uint32(h.SPort)<<SPortShift |
        uint32(h.Flags)<<FlagsShift, nil
}

// DecodeHeader unpacks a 32-bit identifier. Every bit pattern decodes;
// the meaning of reserved combinations is up to higher layers.
func DecodeHeader(id uint32) Header {
    return Header{
        Prio:  uint8(id >> PrioShift & PrioMax),
        Src:   uint8(id >> SrcShift & HostMax),
        Dst:   uint8(id >> DstShift & HostMax),
        DPort: uint8(id >> DPortShift & PortMax),
        SPort: uint8(id >> SPortShift & PortMax),
        Flags: uint8(id >> FlagsShift & FlagsMax),
    }
}

// HasFlag checks whether a flag bit is set.
func (h Header) HasFlag(flag uint8) bool { return h.Flags&flag != 0 }

// SetFlag sets/unsets a flag bit.
func (h *Header) SetFlag(flag uint8, on bool) {
    if on {
        h.Flags |= flag
    } else {
        h.Flags &^= flag
    }
}

func (h Header) String() string {
    return fmt.Sprintf("pri=%d %d:%d -> %d:%d flags=%#02x",
        h.Prio, h.Src, h.SPort, h.Dst, h.DPort, h.Flags)
}
