package can

import (
    "bufio"
    "encoding/binary"
    "io"
    "sync"
)

// Serial adapter framing. USB/serial CAN adapters expose the bus as a
// character device carrying fixed-size records:
//
//  0      sync byte 0xAA
//  1..4   arbitration id, big-endian
//  5      data length code (0..8)
//  6..13  data, zero padded
const (
    serialSync     = 0xAA
    serialFrameLen = 14
)

// SerialDevice implements Device over a character device. The stream is
// scanned for the sync byte so a reopened or noisy adapter recovers at
// the next record boundary.
type SerialDevice struct {
    port io.ReadWriteCloser
    br   *bufio.Reader
    wmu  sync.Mutex
}

func NewSerialDevice(port io.ReadWriteCloser) *SerialDevice {
    return &SerialDevice{port: port, br: bufio.NewReader(port)}
}

func (d *SerialDevice) SendFrame(f Frame) error {
    var buf [serialFrameLen]byte
    buf[0] = serialSync
    binary.BigEndian.PutUint32(buf[1:5], f.ID)
    buf[5] = f.Len
    copy(buf[6:], f.Data[:])

    d.wmu.Lock()
    defer d.wmu.Unlock()
    _, err := d.port.Write(buf[:])
    return err
}

func (d *SerialDevice) RecvFrame() (Frame, error) {
    for {
        c, err := d.br.ReadByte()
        if err != nil {
            return Frame{}, err
        }
        if c != serialSync {
            continue
        }
        var rec [serialFrameLen - 1]byte
        if _, err := io.ReadFull(d.br, rec[:]); err != nil {
            return Frame{}, err
        }
        f := Frame{ID: binary.BigEndian.Uint32(rec[0:4]), Len: rec[4]}
        copy(f.Data[:], rec[5:])
        // An implausible DLC means we latched onto payload bytes; the
        // binding drops it and we rescan from here.
        return f, nil
    }
}

func (d *SerialDevice) Close() error { return d.port.Close() }
