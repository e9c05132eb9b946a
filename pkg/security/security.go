// Package security computes the optional per-packet treatments the
// header flags advertise: CRC32 and HMAC trailers and the XTEA payload
// cipher. The stack decides when to apply or verify them; sockets only
// police the flags.
package security

import (
    "crypto/cipher"
    "crypto/hmac"
    "crypto/rand"
    "crypto/sha1"
    "encoding/binary"
    "errors"
    "fmt"
    "hash/crc32"

    "golang.org/x/crypto/xtea"

    "gocsp/pkg/protocol"
)

// Trailer/nonce sizes on the wire.
const (
    CRCLen   = 4
    HMACLen  = 4 // SHA-1 HMAC truncated, enough for a short radio frame
    NonceLen = 4
)

// ErrVerify reports a failed integrity or authentication check. The
// packet is dropped; nothing is sent back.
var ErrVerify = errors.New("security: integrity check failed")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Config supplies key material. Empty keys disable the matching flag on
// the apply side and make verification of that flag fail.
type Config struct {
    HMACKey []byte
    XTEAKey []byte // exactly 16 bytes when set
}

// Suite applies and strips treatments for one stack instance.
type Suite struct {
    hmacKey []byte
    block   cipher.Block
}

func NewSuite(cfg Config) (*Suite, error) {
    s := &Suite{}
    if len(cfg.HMACKey) > 0 {
        s.hmacKey = append([]byte(nil), cfg.HMACKey...)
    }
    if len(cfg.XTEAKey) > 0 {
        blk, err := xtea.NewCipher(cfg.XTEAKey)
        if err != nil {
            return nil, fmt.Errorf("security: xtea key: %w", err)
        }
        s.block = blk
    }
    return s, nil
}

// Apply transforms an outbound packet according to the requested flags,
// in wire order: encrypt, authenticate, checksum. Flags are set on the
// header as each treatment is attached.
func (s *Suite) Apply(p *protocol.Packet, flags uint8) error {
    if flags&protocol.FlagXTEA != 0 {
        if err := s.encrypt(p); err != nil {
            return err
        }
    }
    if flags&protocol.FlagHMAC != 0 {
        if err := s.appendHMAC(p); err != nil {
            return err
        }
    }
    if flags&protocol.FlagCRC32 != 0 {
        appendCRC(p)
    }
    if flags&protocol.FlagRDP != 0 {
        // Only the flag is in scope; the retransmission protocol itself
        // lives above this layer.
        p.Header.SetFlag(protocol.FlagRDP, true)
    }
    return nil
}

// Strip verifies and removes inbound treatments advertised by the packet
// flags, in reverse wire order. The flags stay set on the header so the
// socket policy can still see the packet's security posture; only the
// wire bytes are removed. A failed check yields ErrVerify.
func (s *Suite) Strip(p *protocol.Packet) error {
    if p.Header.HasFlag(protocol.FlagCRC32) {
        if err := verifyCRC(p); err != nil {
            return err
        }
    }
    if p.Header.HasFlag(protocol.FlagHMAC) {
        if err := s.verifyHMAC(p); err != nil {
            return err
        }
    }
    if p.Header.HasFlag(protocol.FlagXTEA) {
        if err := s.decrypt(p); err != nil {
            return err
        }
    }
    return nil
}

func appendCRC(p *protocol.Packet) {
    sum := crc32.Checksum(p.Payload, castagnoli)
    var tr [CRCLen]byte
    binary.BigEndian.PutUint32(tr[:], sum)
    p.Payload = append(p.Payload, tr[:]...)
    p.Header.SetFlag(protocol.FlagCRC32, true)
}

func verifyCRC(p *protocol.Packet) error {
    if len(p.Payload) < CRCLen {
        return fmt.Errorf("crc32 trailer missing: %w", ErrVerify)
    }
    body := p.Payload[:len(p.Payload)-CRCLen]
    want := binary.BigEndian.Uint32(p.Payload[len(body):])
    if crc32.Checksum(body, castagnoli) != want {
        return fmt.Errorf("crc32 mismatch: %w", ErrVerify)
    }
    p.Payload = body
    return nil
}

func (s *Suite) appendHMAC(p *protocol.Packet) error {
    if len(s.hmacKey) == 0 {
        return errors.New("security: hmac requested without a key")
    }
    m := hmac.New(sha1.New, s.hmacKey)
    m.Write(p.Payload)
    p.Payload = append(p.Payload, m.Sum(nil)[:HMACLen]...)
    p.Header.SetFlag(protocol.FlagHMAC, true)
    return nil
}

func (s *Suite) verifyHMAC(p *protocol.Packet) error {
    if len(s.hmacKey) == 0 || len(p.Payload) < HMACLen {
        return fmt.Errorf("hmac trailer missing: %w", ErrVerify)
    }
    body := p.Payload[:len(p.Payload)-HMACLen]
    m := hmac.New(sha1.New, s.hmacKey)
    m.Write(body)
    if !hmac.Equal(m.Sum(nil)[:HMACLen], p.Payload[len(body):]) {
        return fmt.Errorf("hmac mismatch: %w", ErrVerify)
    }
    p.Payload = body
    return nil
}

// encrypt runs XTEA-CTR over the payload with a fresh 4-byte nonce
// prepended to the ciphertext. The counter IV is nonce || 0x00000001.
func (s *Suite) encrypt(p *protocol.Packet) error {
    if s.block == nil {
        return errors.New("security: xtea requested without a key")
    }
    var nonce [NonceLen]byte
    if _, err := rand.Read(nonce[:]); err != nil {
        return err
    }
    out := make([]byte, NonceLen+len(p.Payload))
    copy(out, nonce[:])
    ctr := cipher.NewCTR(s.block, ivFor(nonce))
    ctr.XORKeyStream(out[NonceLen:], p.Payload)
    p.Payload = out
    p.Header.SetFlag(protocol.FlagXTEA, true)
    return nil
}

func (s *Suite) decrypt(p *protocol.Packet) error {
    if s.block == nil || len(p.Payload) < NonceLen {
        return fmt.Errorf("xtea nonce missing: %w", ErrVerify)
    }
    var nonce [NonceLen]byte
    copy(nonce[:], p.Payload[:NonceLen])
    body := make([]byte, len(p.Payload)-NonceLen)
    ctr := cipher.NewCTR(s.block, ivFor(nonce))
    ctr.XORKeyStream(body, p.Payload[NonceLen:])
    p.Payload = body
    return nil
}

func ivFor(nonce [NonceLen]byte) []byte {
    iv := make([]byte, xtea.BlockSize)
    copy(iv, nonce[:])
    binary.BigEndian.PutUint32(iv[NonceLen:], 1)
    return iv
}
