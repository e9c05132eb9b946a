package protocol

// Reserved service ports. Addressed service traffic uses 0..6; the
// remaining wire ports up to PortMax are application ports.
const (
    PortCMP     uint8 = 0 // management: memory, routes, stats
    PortPing    uint8 = 1 // echo
    PortPS      uint8 = 2 // process list
    PortMemFree uint8 = 3 // free memory report
    PortReboot  uint8 = 4 // reboot/shutdown, gated by magic payload
    PortBufFree uint8 = 5 // free packet buffers report
    PortUptime  uint8 = 6 // uptime in seconds

    // PortAny is the bind-side wildcard. It never appears as a wire
    // destination; the header port field is only PortBits wide.
    PortAny uint8 = 255
)

// Reboot service magic payloads, compared for exact equality.
const (
    RebootMagic   uint32 = 0x80078007
    ShutdownMagic uint32 = 0xD1E5529A
)

// PaddingBytes is the leading headroom reserved in packet buffers for
// link-layer framing scratch; it is not part of the addressed payload.
const PaddingBytes = 10
