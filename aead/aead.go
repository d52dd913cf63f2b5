// Package aead implements per-packet authenticated encryption:
// chacha20poly1305 with a compressed-sequence nonce prefix, per spec.md
// §4.3. Each encrypted datagram begins with a 1-byte flag+length prefix,
// then the minimal-length little-endian sequence, then ciphertext+tag.
package aead

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize = chacha20poly1305.KeySize // 32
	TagSize = chacha20poly1305.Overhead
	// nonceSize is the cipher's actual nonce length; our compressed
	// wire encoding is always <= 8 bytes and gets left-padded with
	// zeros to fill it.
	nonceSize = chacha20poly1305.NonceSize // 12

	encryptedFlag = 0x80
	seqLenMask    = 0x7F
)

var (
	ErrAuthFailed  = errors.New("aead: authentication failed")
	ErrTooShort    = errors.New("aead: ciphertext too short")
	ErrNotEncrypted = errors.New("aead: prefix missing encrypted flag")
)

// Key is a 32-byte chacha20poly1305 key.
type Key [KeySize]byte

// GenerateKey returns a fresh random key using crypto/rand, the
// rand_bytes collaborator named in spec.md §1.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, err
	}
	return k, nil
}

// compressedLen returns the minimal number of bytes needed to hold seq,
// 1..8, never zero (a sequence of 0 still needs its one zero byte).
func compressedLen(seq uint64) int {
	n := 1
	for v := seq >> 8; v != 0; v >>= 8 {
		n++
	}
	return n
}

// Encrypt seals plaintext under key, tagging it with sequence so the
// receiver can recover replay ordering without extra state. Returns
// [flag|seqlen | seq bytes (LE, minimal length) | ciphertext || tag].
func Encrypt(plaintext []byte, sequence uint64, key Key) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	sl := compressedLen(sequence)
	out := make([]byte, 1+sl, 1+sl+len(plaintext)+TagSize)
	out[0] = encryptedFlag | byte(sl)
	v := sequence
	for i := 0; i < sl; i++ {
		out[1+i] = byte(v)
		v >>= 8
	}

	nonce := make([]byte, nonceSize)
	seqToNonce(sequence, nonce)

	out = aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Decrypt reverses Encrypt, returning the plaintext and the sequence it
// was sealed under. Any tag mismatch is reported as ErrAuthFailed and
// must be treated as a silent drop by the caller per spec.md §7.
func Decrypt(data []byte, key Key) ([]byte, uint64, error) {
	if len(data) < 1 {
		return nil, 0, ErrTooShort
	}
	if data[0]&encryptedFlag == 0 {
		return nil, 0, ErrNotEncrypted
	}
	sl := int(data[0] & seqLenMask)
	if sl < 1 || sl > 8 || len(data) < 1+sl {
		return nil, 0, ErrTooShort
	}

	var sequence uint64
	for i := sl - 1; i >= 0; i-- {
		sequence = (sequence << 8) | uint64(data[1+i])
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, 0, err
	}

	nonce := make([]byte, nonceSize)
	seqToNonce(sequence, nonce)

	ciphertext := data[1+sl:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, 0, ErrAuthFailed
	}
	return plaintext, sequence, nil
}

// seqToNonce extends an 8-byte public sequence to the cipher's 12-byte
// nonce with leading zeros, per spec.md §4.3.
func seqToNonce(sequence uint64, nonce []byte) {
	for i := range nonce {
		nonce[i] = 0
	}
	for i := 0; i < 8; i++ {
		nonce[nonceSize-8+i] = byte(sequence >> (8 * i))
	}
}
