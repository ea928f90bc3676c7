package rmux

import (
	"bufio"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Salt is the fixed salt used when expanding a pre-shared secret
// into an AEAD key, matching the salt client/main.go and server/main.go
// use for the KCP block-cipher key, so the same pre-shared secret
// derives consistent keys across both layers.
const pbkdf2Salt = "kcp-go"

// DeriveKey expands a pre-shared secret into a 32-byte AEAD key.
func DeriveKey(secret string) []byte {
	return pbkdf2.Key([]byte(secret), []byte(pbkdf2Salt), 4096, chacha20poly1305.KeySize, sha1.New)
}

// ErrInternalFlagOnWire guards the invariant that SHUTDOWN and ROUTINE
// events are internal-only and must never reach Encrypt.
var ErrInternalFlagOnWire = errors.New("rmux: internal-only event flag may not cross the wire")

// CryptoContext is the out-of-scope encryption collaborator: frame-level
// encrypt/decrypt of a typed Event. One instance is read-only (decrypts
// the peer's frames) and one is write-only (encrypts ours); they never
// share a nonce counter since each direction counts independently.
type CryptoContext struct {
	aead  interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
		Overhead() int
	}
	nonce uint64 // per-direction monotonic counter
	Key   string // display fingerprint only, never the raw secret
}

// NewCryptoContext builds a CryptoContext from a pre-shared secret. The
// same secret produces a context that can decrypt what the other side's
// context (built from the same secret) encrypts, since ChaCha20-Poly1305
// is symmetric.
func NewCryptoContext(secret string) (*CryptoContext, error) {
	key := DeriveKey(secret)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &CryptoContext{aead: aead, Key: fingerprint(key)}, nil
}

func fingerprint(key []byte) string {
	if len(key) < 4 {
		return fmt.Sprintf("%x", key)
	}
	return fmt.Sprintf("%x..%x", key[:2], key[len(key)-2:])
}

func (c *CryptoContext) nextNonce() []byte {
	n := make([]byte, c.aead.NonceSize())
	binary.LittleEndian.PutUint64(n, c.nonce)
	c.nonce++
	return n
}

// Encrypt serializes ev's header+body, seals it, and appends a
// uint32-length-prefixed ciphertext frame to out.
func (c *CryptoContext) Encrypt(ev *Event, out *[]byte) error {
	if ev.Header.Flags == FlagShutdown || ev.Header.Flags == FlagRoutine {
		return ErrInternalFlagOnWire
	}
	plain := make([]byte, HeaderSize+len(ev.Body))
	encodeHeader(ev.Header, plain)
	copy(plain[HeaderSize:], ev.Body)

	sealed := c.aead.Seal(nil, c.nextNonce(), plain, nil)

	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(sealed)))
	*out = append(*out, lenbuf[:]...)
	*out = append(*out, sealed...)
	return nil
}

// ReadEvent consumes one length-prefixed encrypted frame from r (a
// *bufio.Reader so partial reads resume correctly across calls, per the
// spec's "resumable read buffer"), decrypts it, and returns the decoded
// Event. io.EOF is returned verbatim when the peer closed cleanly
// between frames; any other error indicates a transient wire failure
// and the caller must terminate the session.
func (c *CryptoContext) ReadEvent(r *bufio.Reader) (*Event, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenbuf[:])
	sealed := make([]byte, n)
	if _, err := io.ReadFull(r, sealed); err != nil {
		return nil, err
	}

	plain, err := c.aead.Open(sealed[:0], c.nextNonce(), sealed, nil)
	if err != nil {
		return nil, err
	}
	if len(plain) < HeaderSize {
		return nil, ErrMalformedConnectRequest
	}
	hdr := decodeHeader(plain)
	// hdr.Len is the body length for most flags but is repurposed to
	// carry a WIN_UPDATE's delta with no body at all, so the real body
	// is whatever bytes Encrypt actually appended, not hdr.Len itself.
	body := append([]byte(nil), plain[HeaderSize:]...)
	return &Event{Header: hdr, Body: body}, nil
}
