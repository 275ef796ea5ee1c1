package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"qrlink/internal/wire"
)

var (
	// ErrUnsupportedAlgorithm is returned when a login code advertises an
	// algorithm this build does not implement.
	ErrUnsupportedAlgorithm = errors.New("unsupported rendezvous algorithm")

	// ErrDecryption is returned on authentication-tag mismatch or malformed
	// ciphertext. Local and non-retryable: the handshake must be aborted.
	ErrDecryption = errors.New("rendezvous message decryption failed")
)

const (
	// secretSize is the random secret length carried in the QR code.
	secretSize = 32
	// keySize is the derived AES-256 session key length.
	keySize = 32
	// ivSize is the GCM nonce length.
	ivSize = 12

	// hkdfInfo binds derived keys to this protocol.
	hkdfInfo = "qrlink rendezvous session key"
)

// SessionKey is the symmetric key protecting one rendezvous session. Never
// reused across handshakes.
type SessionKey [keySize]byte

// NewSecret generates fresh random secret material for a new login code,
// returned in the base64 form embedded in the QR.
func NewSecret() (string, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate rendezvous secret: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(secret), nil
}

// DeriveKey derives the session key from the out-of-band shared secret. Pure:
// the same secret and algorithm always produce the same key.
func DeriveKey(algorithm, secretB64 string) (SessionKey, error) {
	var key SessionKey
	if algorithm != wire.AlgorithmV1 {
		return key, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	secret, err := base64.RawStdEncoding.DecodeString(secretB64)
	if err != nil {
		return key, fmt.Errorf("invalid rendezvous secret: %w", err)
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// Encrypt serializes and encrypts a payload into a wire envelope using
// AES-256-GCM. The IV is freshly random per call; it must never repeat for a
// given key, which random generation guarantees without counter state.
func Encrypt(payload wire.Payload, key SessionKey) (wire.Message, error) {
	plaintext, err := wire.EncodePayload(payload)
	if err != nil {
		return wire.Message{}, err
	}

	aead, err := newAEAD(key)
	if err != nil {
		return wire.Message{}, err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return wire.Message{}, fmt.Errorf("failed to generate IV: %w", err)
	}

	ciphertext := aead.Seal(nil, iv, plaintext, nil)
	return wire.Message{
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decrypt authenticates and decrypts a wire envelope back into its payload.
func Decrypt(msg wire.Message, key SessionKey) (wire.Payload, error) {
	iv, err := base64.StdEncoding.DecodeString(msg.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: bad IV encoding", ErrDecryption)
	}
	if len(iv) != ivSize {
		return nil, fmt.Errorf("%w: bad IV length %d", ErrDecryption, len(iv))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrDecryption)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return wire.DecodePayload(plaintext)
}

func newAEAD(key SessionKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
