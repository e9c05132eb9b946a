package protocol

import (
    "errors"
    "testing"
)

func TestHeaderRoundtrip(t *testing.T) {
    cases := []Header{
        {},
        {Prio: PrioCritical, Src: 1, Dst: 2, DPort: 7, SPort: 33, Flags: 0},
        {Prio: PrioLow, Src: HostMax, Dst: HostMax, DPort: PortMax, SPort: PortMax, Flags: FlagsMax},
        {Prio: PrioNorm, Src: 10, Dst: 5, DPort: uint8(PortPing), SPort: 45, Flags: FlagCRC32 | FlagFrag},
    }
    for _, h := range cases {
        id, err := h.Encode()
        if err != nil { t.Fatalf("encode %v: %v", h, err) }
        got := DecodeHeader(id)
        if got != h { t.Fatalf("roundtrip mismatch: sent %v got %v (id=%#08x)", h, got, id) }
    }
}

func TestHeaderFieldOverflow(t *testing.T) {
    cases := []Header{
        {Prio: PrioMax + 1},
        {Src: HostMax + 1},
        {Dst: HostMax + 1},
        {DPort: PortMax + 1},
        {SPort: PortMax + 1},
    }
    for _, h := range cases {
        if _, err := h.Encode(); !errors.Is(err, ErrFieldOverflow) {
            t.Fatalf("encode %v: want ErrFieldOverflow, got %v", h, err)
        }
    }
}

func TestHeaderDecodeIsTotal(t *testing.T) {
    // Any 32-bit pattern decodes and re-encodes to the same identifier.
    for _, id := range []uint32{0, 0xFFFFFFFF, 0xDEADBEEF, 0x80078007, 1} {
        h := DecodeHeader(id)
        back, err := h.Encode()
        if err != nil { t.Fatalf("re-encode of %#08x: %v", id, err) }
        if back != id { t.Fatalf("decode/encode not stable: %#08x -> %#08x", id, back) }
    }
}

func TestHeaderMasksDisjoint(t *testing.T) {
    masks := []uint32{PrioMask, SrcMask, DstMask, DPortMask, SPortMask, FlagsMask}
    var union uint32
    for _, m := range masks {
        if union&m != 0 { t.Fatalf("overlapping field masks") }
        union |= m
    }
    if union != 0xFFFFFFFF { t.Fatalf("masks do not cover 32 bits: %#08x", union) }
}

func TestHeaderFlags(t *testing.T) {
    var h Header
    h.SetFlag(FlagHMAC, true)
    h.SetFlag(FlagFrag, true)
    if !h.HasFlag(FlagHMAC) || !h.HasFlag(FlagFrag) { t.Fatalf("flags not set") }
    h.SetFlag(FlagFrag, false)
    if h.HasFlag(FlagFrag) { t.Fatalf("frag flag still set") }
    if h.Flags != FlagHMAC { t.Fatalf("flags = %#02x", h.Flags) }
}
