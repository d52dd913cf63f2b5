// Package token implements connect-token serialization and AEAD sealing,
// per spec.md §3 and §6. A connect token is a short-lived capability
// issued by an out-of-band matchmaker, binding a client to a set of
// server addresses and carrying the session keys both sides adopt after
// the handshake.
package token

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// SealedSize is the fixed wire size of a sealed connect token, per
	// spec.md §3: 1024 - 16 bytes serialized body + 16-byte AEAD tag.
	SealedSize = 1024
	bodySize   = SealedSize - chacha20poly1305.Overhead // 1008

	MaxServerAddresses = 8
	KeySize            = chacha20poly1305.KeySize
	NonceSize          = chacha20poly1305.NonceSize
)

var (
	ErrTooManyAddresses = errors.New("token: more than MaxServerAddresses addresses")
	ErrAddressTooLong   = errors.New("token: encoded address exceeds field width")
	ErrAuthFailed       = errors.New("token: AEAD authentication failed")
	ErrMalformed        = errors.New("token: malformed serialized body")
)

// ConnectToken is the capability a matchmaker issues a client, naming
// the servers it may connect to and the keys both sides will use.
type ConnectToken struct {
	ProtocolID        uint32
	ClientID          uint64
	ExpiryTimestamp   uint64 // unix seconds
	ServerAddresses   []*net.UDPAddr
	ClientToServerKey [32]byte
	ServerToClientKey [32]byte
	Random            [32]byte
}

// New builds a token with fresh random session keys and random padding,
// expiring expirySeconds from now (now is a spec.md §1 collaborator,
// passed in explicitly so this stays pure).
func New(protocolID uint32, clientID uint64, now int64, expirySeconds int64, addrs []*net.UDPAddr) (*ConnectToken, error) {
	if len(addrs) > MaxServerAddresses {
		return nil, ErrTooManyAddresses
	}
	t := &ConnectToken{
		ProtocolID:      protocolID,
		ClientID:        clientID,
		ExpiryTimestamp: uint64(now + expirySeconds),
		ServerAddresses: addrs,
	}
	if _, err := rand.Read(t.ClientToServerKey[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(t.ServerToClientKey[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(t.Random[:]); err != nil {
		return nil, err
	}
	return t, nil
}

// Expired reports whether the token's expiry has passed now.
func (t *ConnectToken) Expired(now int64) bool {
	return uint64(now) > t.ExpiryTimestamp
}

// HasServer reports whether addr is among the token's whitelisted
// server addresses, by IP and port.
func (t *ConnectToken) HasServer(addr *net.UDPAddr) bool {
	for _, a := range t.ServerAddresses {
		if a.IP.Equal(addr.IP) && a.Port == addr.Port {
			return true
		}
	}
	return false
}

// marshalBody writes the fixed bodySize-byte plaintext layout:
// protocol_id, client_id, expiry, num-addrs + length-prefixed address
// strings, the two session keys, 32 bytes of random, zero-padded.
func (t *ConnectToken) marshalBody() ([]byte, error) {
	buf := make([]byte, bodySize)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], t.ProtocolID)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], t.ClientID)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], t.ExpiryTimestamp)
	off += 8

	buf[off] = byte(len(t.ServerAddresses))
	off++
	for _, a := range t.ServerAddresses {
		s := a.String()
		if len(s) > 255 {
			return nil, ErrAddressTooLong
		}
		if off+1+len(s) > bodySize {
			return nil, ErrAddressTooLong
		}
		buf[off] = byte(len(s))
		off++
		copy(buf[off:], s)
		off += len(s)
	}

	// Keys and random trailer are placed at the end of the body so
	// address-count variability never disturbs their fixed offsets.
	trailer := bodySize - 32 - 32 - 32
	if off > trailer {
		return nil, ErrAddressTooLong
	}
	copy(buf[trailer:], t.ClientToServerKey[:])
	copy(buf[trailer+32:], t.ServerToClientKey[:])
	copy(buf[trailer+64:], t.Random[:])

	return buf, nil
}

func unmarshalBody(buf []byte) (*ConnectToken, error) {
	if len(buf) != bodySize {
		return nil, ErrMalformed
	}
	t := &ConnectToken{}
	off := 0
	t.ProtocolID = binary.BigEndian.Uint32(buf[off:])
	off += 4
	t.ClientID = binary.BigEndian.Uint64(buf[off:])
	off += 8
	t.ExpiryTimestamp = binary.BigEndian.Uint64(buf[off:])
	off += 8

	numAddrs := int(buf[off])
	off++
	if numAddrs > MaxServerAddresses {
		return nil, ErrMalformed
	}
	for i := 0; i < numAddrs; i++ {
		if off >= len(buf) {
			return nil, ErrMalformed
		}
		n := int(buf[off])
		off++
		if off+n > len(buf) {
			return nil, ErrMalformed
		}
		addr, err := net.ResolveUDPAddr("udp", string(buf[off:off+n]))
		if err != nil {
			return nil, ErrMalformed
		}
		t.ServerAddresses = append(t.ServerAddresses, addr)
		off += n
	}

	trailer := bodySize - 32 - 32 - 32
	copy(t.ClientToServerKey[:], buf[trailer:trailer+32])
	copy(t.ServerToClientKey[:], buf[trailer+32:trailer+64])
	copy(t.Random[:], buf[trailer+64:trailer+96])

	return t, nil
}

// NonceFromSequence expands an 8-byte wire sequence (as carried in a
// connection request's token_nonce field) into the cipher's full
// NonceSize nonce, left-padded with zeros, mirroring the compressed
// nonce convention used for per-packet encryption.
func NonceFromSequence(seq uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	for i := 0; i < 8; i++ {
		nonce[NonceSize-8+i] = byte(seq >> (8 * i))
	}
	return nonce
}

// Seal encrypts the token under privateKey (known only to matchmaker
// and server), with additionalData reserved per spec.md §4.3 and nonce
// supplied by the caller so a stateless server can decrypt it later.
func Seal(t *ConnectToken, nonce [NonceSize]byte, additionalData []byte, privateKey [KeySize]byte) ([SealedSize]byte, error) {
	var out [SealedSize]byte
	body, err := t.marshalBody()
	if err != nil {
		return out, err
	}
	aead, err := chacha20poly1305.New(privateKey[:])
	if err != nil {
		return out, err
	}
	sealed := aead.Seal(body[:0:0], nonce[:], body, additionalData)
	copy(out[:], sealed)
	return out, nil
}

// Open reverses Seal, returning the original token iff authentication
// succeeds.
func Open(sealed [SealedSize]byte, nonce [NonceSize]byte, additionalData []byte, privateKey [KeySize]byte) (*ConnectToken, error) {
	aead, err := chacha20poly1305.New(privateKey[:])
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce[:], sealed[:], additionalData)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return unmarshalBody(plain)
}
