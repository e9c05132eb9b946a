package uart

import (
    "bytes"
    "errors"
    "testing"

    "gocsp/pkg/transport"
)

type fakePort struct{ bytes.Buffer }

func (f *fakePort) Close() error { return nil }

func TestFrameRoundtrip(t *testing.T) {
    port := &fakePort{}
    b := New("uart0", port)

    sent := transport.Packet{ID: 0x12345678, Payload: []byte("hello uart")}
    if err := b.Send(sent); err != nil { t.Fatalf("send: %v", err) }

    got, err := b.Recv()
    if err != nil { t.Fatalf("recv: %v", err) }
    if got.ID != sent.ID { t.Fatalf("id = %#08x", got.ID) }
    if !bytes.Equal(got.Payload, sent.Payload) { t.Fatalf("payload mismatch") }
}

func TestEmptyPayloadFrame(t *testing.T) {
    port := &fakePort{}
    b := New("uart0", port)
    if err := b.Send(transport.Packet{ID: 7}); err != nil { t.Fatalf("send: %v", err) }
    got, err := b.Recv()
    if err != nil { t.Fatalf("recv: %v", err) }
    if got.ID != 7 || len(got.Payload) != 0 { t.Fatalf("got %v", got) }
}

func TestBackToBackFrames(t *testing.T) {
    port := &fakePort{}
    b := New("uart0", port)
    // Several frames queued in the read buffer at once; each Recv must
    // report the identifier of its own frame, not a later one.
    for i := 0; i < 4; i++ {
        p := transport.Packet{ID: 0x1000 + uint32(i), Payload: []byte{byte(i), byte(i + 1)}}
        if err := b.Send(p); err != nil { t.Fatalf("send %d: %v", i, err) }
    }
    for i := 0; i < 4; i++ {
        got, err := b.Recv()
        if err != nil { t.Fatalf("recv %d: %v", i, err) }
        if got.ID != 0x1000+uint32(i) { t.Fatalf("frame %d: id = %#x", i, got.ID) }
        if !bytes.Equal(got.Payload, []byte{byte(i), byte(i + 1)}) {
            t.Fatalf("frame %d: payload %v", i, got.Payload)
        }
    }
}

func TestResyncAfterJunk(t *testing.T) {
    port := &fakePort{}
    // Garbage before the frame, including a false sync byte followed by
    // an implausible length.
    port.Write([]byte{0x00, 0xFF, SyncByte, 0xFF, 0xFF, 0xFF, 0xFF, 0x7F, 0xFF, 0x42})
    b := New("uart0", port)
    if err := b.Send(transport.Packet{ID: 99, Payload: []byte{1, 2, 3}}); err != nil {
        t.Fatalf("send: %v", err)
    }
    got, err := b.Recv()
    if err != nil { t.Fatalf("recv after junk: %v", err) }
    if got.ID != 99 || len(got.Payload) != 3 { t.Fatalf("got %v", got) }
}

func TestDesyncLimit(t *testing.T) {
    port := &fakePort{}
    junk := bytes.Repeat([]byte{0x00}, 8192)
    port.Write(junk)
    b := New("uart0", port)
    _, err := b.Recv()
    if !errors.Is(err, transport.ErrDesync) { t.Fatalf("want ErrDesync, got %v", err) }
}

func TestTruncatedPayloadIsCorrupt(t *testing.T) {
    port := &fakePort{}
    b := New("uart0", port)
    if err := b.Send(transport.Packet{ID: 5, Payload: []byte("abcdef")}); err != nil {
        t.Fatalf("send: %v", err)
    }
    port.Truncate(port.Len() - 3) // chop the frame mid-payload
    _, err := b.Recv()
    if !errors.Is(err, transport.ErrCorrupt) { t.Fatalf("want ErrCorrupt, got %v", err) }
}

func TestOversizedChunkRejected(t *testing.T) {
    b := New("uart0", &fakePort{}, WithMTU(8))
    err := b.Send(transport.Packet{Payload: make([]byte, 9)})
    if !errors.Is(err, transport.ErrTooLong) { t.Fatalf("want ErrTooLong, got %v", err) }
}
