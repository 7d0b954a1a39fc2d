package kasa

import (
	"encoding/binary"
	"fmt"
)

const (
	// seedKey is the initial key of the autokey XOR stream.
	seedKey byte = 171

	// HeaderLen is the size of the TCP framing header.
	HeaderLen = 4

	// maxFrameLen is the largest plaintext the 16-bit length field can carry.
	maxFrameLen = 0xFFFF
)

// EncodedLen returns the number of bytes Encode writes for n plaintext bytes.
func EncodedLen(n int, framed bool) int {
	if framed {
		return n + HeaderLen
	}
	return n
}

// Encode obfuscates plaintext into dst and returns the number of bytes
// written.
//
// When framed is true, a header of two zero bytes followed by the big-endian
// 16-bit plaintext length is written first. Each output byte becomes the key
// for the next one, starting from the seed key.
//
// Encode never writes past len(dst): it returns ErrBufferOverflow when the
// output would not fit, or when a framed plaintext exceeds 65535 bytes.
func Encode(dst, plaintext []byte, framed bool) (int, error) {
	need := EncodedLen(len(plaintext), framed)
	if need > len(dst) {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferOverflow, need, len(dst))
	}
	if framed && len(plaintext) > maxFrameLen {
		return 0, fmt.Errorf("%w: payload %d exceeds frame limit %d", ErrBufferOverflow, len(plaintext), maxFrameLen)
	}

	idx := 0
	if framed {
		dst[0], dst[1] = 0, 0
		binary.BigEndian.PutUint16(dst[2:HeaderLen], uint16(len(plaintext))) //nolint:gosec // bounded above
		idx = HeaderLen
	}

	key := seedKey
	for _, b := range plaintext {
		c := b ^ key
		dst[idx] = c
		key = c
		idx++
	}

	return idx, nil
}

// Decode reverses Encode for ciphertext[start:], writing len(ciphertext)-start
// bytes to dst and returning that count.
//
// The running key advances with the input byte, so Decode is the inverse of
// Encode at matching offsets. Use start = HeaderLen to skip a TCP framing
// header. dst may alias ciphertext.
func Decode(dst, ciphertext []byte, start int) int {
	if start < 0 {
		start = 0
	}
	if start >= len(ciphertext) {
		return 0
	}

	key := seedKey
	n := 0
	for i := start; i < len(ciphertext); i++ {
		c := ciphertext[i]
		dst[n] = c ^ key
		key = c
		n++
	}

	return n
}

// Encrypt returns the obfuscated form of plaintext in a new slice.
func Encrypt(plaintext []byte, framed bool) ([]byte, error) {
	out := make([]byte, EncodedLen(len(plaintext), framed))
	n, err := Encode(out, plaintext, framed)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// Decrypt returns the plaintext of ciphertext[start:] in a new slice.
func Decrypt(ciphertext []byte, start int) []byte {
	if start < 0 {
		start = 0
	}
	if start >= len(ciphertext) {
		return []byte{}
	}
	out := make([]byte, len(ciphertext)-start)
	n := Decode(out, ciphertext, start)
	return out[:n]
}

// frameLen reads the payload length from a framing header.
func frameLen(header []byte) int {
	return int(binary.BigEndian.Uint16(header[2:HeaderLen]))
}
