package tokenstore

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	ierrors "github.com/jrsteele09/go-session-manager/internal/errors"
)

// Transform is the reversible step applied to every persisted field.
type Transform interface {
	Encode(plain []byte) (string, error)
	Decode(encoded string) ([]byte, error)
}

// XORObfuscator hides values from casual inspection of the store. It is
// obfuscation, not encryption: anyone holding the key (which ships with the
// client) can reverse it.
type XORObfuscator struct {
	key []byte
}

var _ Transform = (*XORObfuscator)(nil)

func NewXORObfuscator(key string) (*XORObfuscator, error) {
	if key == "" {
		return nil, errors.Wrap(ierrors.ErrInvalidKey, "[NewXORObfuscator] key is required")
	}
	return &XORObfuscator{key: []byte(key)}, nil
}

func (x *XORObfuscator) Encode(plain []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(x.xor(plain)), nil
}

func (x *XORObfuscator) Decode(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "[XORObfuscator.Decode] base64")
	}
	return x.xor(raw), nil
}

func (x *XORObfuscator) xor(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ x.key[i%len(x.key)]
	}
	return out
}

const aeadSalt = "medsession/tokenstore/v1"

// AEADTransform seals each value with XChaCha20-Poly1305 under a key derived from a
// passphrase. Tampered or foreign values fail to decode.
type AEADTransform struct {
	aead cipher.AEAD
}

var _ Transform = (*AEADTransform)(nil)

func NewAEADTransform(passphrase string) (*AEADTransform, error) {
	if passphrase == "" {
		return nil, errors.Wrap(ierrors.ErrInvalidKey, "[NewAEADTransform] passphrase is required")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), []byte(aeadSalt), nil), key); err != nil {
		return nil, errors.Wrap(err, "[NewAEADTransform] derive key")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "[NewAEADTransform] cipher")
	}
	return &AEADTransform{aead: aead}, nil
}

func (a *AEADTransform) Encode(plain []byte) (string, error) {
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(plain)+a.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "[AEADTransform.Encode] nonce")
	}
	sealed := a.aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (a *AEADTransform) Decode(encoded string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "[AEADTransform.Decode] base64")
	}
	if len(raw) < a.aead.NonceSize() {
		return nil, errors.Wrap(ierrors.ErrCorruptRecord, "[AEADTransform.Decode] value too short")
	}
	nonce, sealed := raw[:a.aead.NonceSize()], raw[a.aead.NonceSize():]
	plain, err := a.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[AEADTransform.Decode] open")
	}
	return plain, nil
}
