package cache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/xypriss/xypriss/xyerrors"
)

// sealer encrypts and decrypts cache values at rest using AES-256-GCM with
// a per-namespace subkey derived from a master key via HKDF-SHA256, so a
// single master secret can back many independently-rotatable namespaces.
type sealer struct {
	masterKey []byte
}

func newSealer(masterKey []byte) *sealer {
	return &sealer{masterKey: masterKey}
}

// subkey derives a 32-byte AES-256 key for namespace using HKDF-SHA256.
func (s *sealer) subkey(namespace string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.masterKey, nil, []byte("xypriss-cache:"+namespace))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, xyerrors.Integrity(err, "cache: key derivation failed for namespace %q", namespace)
	}
	return key, nil
}

// seal returns nonce||ciphertext||tag for plaintext, encrypted under
// namespace's derived subkey.
func (s *sealer) seal(namespace string, plaintext []byte) ([]byte, error) {
	key, err := s.subkey(namespace)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xyerrors.Integrity(err, "cache: cipher init failed")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xyerrors.Integrity(err, "cache: gcm init failed")
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, xyerrors.Integrity(err, "cache: nonce generation failed")
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open reverses seal, returning a KindIntegrity error on any tampering or
// key mismatch.
func (s *sealer) open(namespace string, sealed []byte) ([]byte, error) {
	key, err := s.subkey(namespace)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xyerrors.Integrity(err, "cache: cipher init failed")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xyerrors.Integrity(err, "cache: gcm init failed")
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, xyerrors.Integrity(nil, "cache: sealed value too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, xyerrors.Integrity(err, "cache: decryption failed, value may be tampered")
	}
	return plaintext, nil
}

// namespaceDigest returns the 16-hex-character SHA-256 prefix used in the
// "XyPriss:v2:<digest>:<key>" key format, keeping namespace collisions
// astronomically unlikely while bounding key length.
func namespaceDigest(namespace string) string {
	sum := sha256.Sum256([]byte(namespace))
	return hex.EncodeToString(sum[:])[:16]
}
