package security

import (
    "bytes"
    "errors"
    "testing"

    "gocsp/pkg/protocol"
)

func newSuite(t *testing.T) *Suite {
    t.Helper()
    s, err := NewSuite(Config{
        HMACKey: []byte("ground-station-shared-secret"),
        XTEAKey: []byte("0123456789abcdef"),
    })
    if err != nil { t.Fatalf("suite: %v", err) }
    return s
}

func TestCRCRoundtrip(t *testing.T) {
    s := newSuite(t)
    p := protocol.NewPacket(protocol.Header{}, []byte("telemetry"))
    if err := s.Apply(p, protocol.FlagCRC32); err != nil { t.Fatalf("apply: %v", err) }
    if !p.Header.HasFlag(protocol.FlagCRC32) { t.Fatalf("flag not set") }
    if p.Len() != len("telemetry")+CRCLen { t.Fatalf("trailer not appended") }

    if err := s.Strip(p); err != nil { t.Fatalf("strip: %v", err) }
    if !bytes.Equal(p.Payload, []byte("telemetry")) { t.Fatalf("payload = %q", p.Payload) }
    // The flag stays set: sockets police the security posture after
    // reassembly, only the trailer leaves the payload.
    if !p.Header.HasFlag(protocol.FlagCRC32) { t.Fatalf("flag lost on strip") }
}

func TestCRCDetectsCorruption(t *testing.T) {
    s := newSuite(t)
    p := protocol.NewPacket(protocol.Header{}, []byte("telemetry"))
    if err := s.Apply(p, protocol.FlagCRC32); err != nil { t.Fatalf("apply: %v", err) }
    p.Payload[2] ^= 0x40
    if err := s.Strip(p); !errors.Is(err, ErrVerify) { t.Fatalf("want ErrVerify, got %v", err) }
}

func TestHMACRoundtripAndTamper(t *testing.T) {
    s := newSuite(t)
    p := protocol.NewPacket(protocol.Header{}, []byte("command"))
    if err := s.Apply(p, protocol.FlagHMAC); err != nil { t.Fatalf("apply: %v", err) }
    if err := s.Strip(p); err != nil { t.Fatalf("strip: %v", err) }
    if !bytes.Equal(p.Payload, []byte("command")) { t.Fatalf("payload = %q", p.Payload) }

    p2 := protocol.NewPacket(protocol.Header{}, []byte("command"))
    if err := s.Apply(p2, protocol.FlagHMAC); err != nil { t.Fatalf("apply: %v", err) }
    p2.Payload[0] ^= 1
    if err := s.Strip(p2); !errors.Is(err, ErrVerify) { t.Fatalf("want ErrVerify, got %v", err) }
}

func TestXTEARoundtrip(t *testing.T) {
    s := newSuite(t)
    plain := []byte("attitude quaternion block")
    p := protocol.NewPacket(protocol.Header{}, plain)
    if err := s.Apply(p, protocol.FlagXTEA); err != nil { t.Fatalf("apply: %v", err) }
    if bytes.Contains(p.Payload, plain) { t.Fatalf("payload not encrypted") }
    if p.Len() != len(plain)+NonceLen { t.Fatalf("nonce not prepended") }

    if err := s.Strip(p); err != nil { t.Fatalf("strip: %v", err) }
    if !bytes.Equal(p.Payload, plain) { t.Fatalf("decrypt mismatch") }
}

func TestStackedTreatments(t *testing.T) {
    s := newSuite(t)
    plain := []byte("stacked")
    p := protocol.NewPacket(protocol.Header{}, plain)
    flags := uint8(protocol.FlagXTEA | protocol.FlagHMAC | protocol.FlagCRC32)
    if err := s.Apply(p, flags); err != nil { t.Fatalf("apply: %v", err) }
    if p.Header.Flags&flags != flags { t.Fatalf("flags = %#02x", p.Header.Flags) }
    if err := s.Strip(p); err != nil { t.Fatalf("strip: %v", err) }
    if !bytes.Equal(p.Payload, plain) { t.Fatalf("roundtrip mismatch") }
    if p.Header.Flags&flags != flags { t.Fatalf("flags lost: %#02x", p.Header.Flags) }
}

func TestMissingKeyFailsClosed(t *testing.T) {
    s, err := NewSuite(Config{})
    if err != nil { t.Fatalf("suite: %v", err) }
    p := protocol.NewPacket(protocol.Header{Flags: protocol.FlagHMAC}, []byte("xxxxxx"))
    if err := s.Strip(p); !errors.Is(err, ErrVerify) { t.Fatalf("want ErrVerify, got %v", err) }
    if err := s.Apply(protocol.NewPacket(protocol.Header{}, nil), protocol.FlagXTEA); err == nil {
        t.Fatalf("apply without key succeeded")
    }
}

func TestBadXTEAKeyLength(t *testing.T) {
    if _, err := NewSuite(Config{XTEAKey: []byte("short")}); err == nil {
        t.Fatalf("short xtea key accepted")
    }
}
