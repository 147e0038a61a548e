// Package cipher implements the tunnel's per-direction stream cipher
// sessions: AES-256 in 128-bit-feedback CFB mode, keyed from SHA-256 of a
// shared password. The wire format offers confidentiality only — there is no
// authentication or integrity check on either direction, so an active
// attacker on the wire can flip ciphertext bits undetected. Each session is
// single-use: it belongs to exactly one TCP connection for exactly one
// direction and is discarded when that connection closes.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"sync"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// IVSize is the CFB block size for AES: 16 bytes.
const IVSize = 16

// ErrShortHeader is returned when an ingress session is fed fewer than
// IVSize bytes before the underlying transport reaches EOF.
var ErrShortHeader = errors.New("cipher: ingress stream ended before IV was complete")

// DeriveKey hashes a UTF-8 password into a 32-byte AES-256 key.
func DeriveKey(password string) [KeySize]byte {
	return sha256.Sum256([]byte(password))
}

// Egress is a one-shot, one-direction encrypting stream. The first call to
// Encrypt prepends a freshly generated, random IV to the ciphertext; every
// later call continues the same CFB keystream.
type Egress struct {
	mu     sync.Mutex
	key    [KeySize]byte
	iv     [IVSize]byte
	stream cipher.Stream
	sent   bool
}

// NewEgress constructs an egress session with a fresh random IV. The IV is
// generated once, here, and is never regenerated or reused for the lifetime
// of the session.
func NewEgress(key [KeySize]byte) (*Egress, error) {
	e := &Egress{key: key}
	if _, err := io.ReadFull(rand.Reader, e.iv[:]); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	e.stream = cipher.NewCFBEncrypter(block, e.iv[:])
	return e, nil
}

// Encrypt transforms plaintext in place of the keystream. Before the first
// call, the output is IV||ciphertext; every subsequent call returns only
// ciphertext, continuing the same stream. Safe to call with empty input.
func (e *Egress) Encrypt(plaintext []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	ciphertext := make([]byte, len(plaintext))
	e.stream.XORKeyStream(ciphertext, plaintext)

	if !e.sent {
		e.sent = true
		out := make([]byte, IVSize+len(ciphertext))
		copy(out, e.iv[:])
		copy(out[IVSize:], ciphertext)
		return out
	}
	return ciphertext
}

// Ingress is a one-shot, one-direction decrypting stream. It has no
// decrypter until the first 16 bytes of the inbound stream — the peer's IV —
// have arrived; until then it buffers.
type Ingress struct {
	mu     sync.Mutex
	key    [KeySize]byte
	stream cipher.Stream // nil until the IV has been consumed
	pend   []byte        // bytes held while awaiting a complete IV
}

// NewIngress constructs an ingress session. It does not block: the IV is
// consumed lazily from the first Decrypt call(s).
func NewIngress(key [KeySize]byte) *Ingress {
	return &Ingress{key: key}
}

// Decrypt feeds ciphertext through the session. Until the 16-byte IV has
// been fully received it buffers input and returns no plaintext; once the IV
// is complete, the remainder of that call (and all subsequent calls) is
// decrypted and returned. The IV may arrive split across multiple calls.
func (i *Ingress) Decrypt(ciphertext []byte) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.stream == nil {
		i.pend = append(i.pend, ciphertext...)
		if len(i.pend) < IVSize {
			return nil, nil
		}

		var iv [IVSize]byte
		copy(iv[:], i.pend[:IVSize])
		rest := i.pend[IVSize:]
		i.pend = nil

		block, err := aes.NewCipher(i.key[:])
		if err != nil {
			return nil, err
		}
		i.stream = cipher.NewCFBDecrypter(block, iv[:])

		plaintext := make([]byte, len(rest))
		i.stream.XORKeyStream(plaintext, rest)
		return plaintext, nil
	}

	plaintext := make([]byte, len(ciphertext))
	i.stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// Closed reports whether the ingress stream reached EOF without ever
// completing its IV. Callers that read EOF from the underlying transport
// should check this before treating the session as healthy.
func (i *Ingress) Closed() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stream == nil {
		return ErrShortHeader
	}
	return nil
}
