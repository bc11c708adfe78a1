// Package crypto decrypts message bodies received from the orchestrator.
// Bodies may be plaintext or AES-CBC ciphertext under the session's key;
// the session key itself may be RSA-OAEP wrapped with the agent's RSA key,
// in which case it is unwrapped before decryption. See spec.md §4.4.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // required for RSA-OAEP interop with the orchestrator's wrapping scheme
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrInvalidPadding is returned when PKCS#7 unpadding fails — almost always
// because the key or IV used to decrypt was wrong.
var ErrInvalidPadding = errors.New("crypto: invalid PKCS#7 padding")

// SessionKey is the AES key carried by a Session (spec.md §3). Encrypted
// marks that Value is itself wrapped with the agent's RSA public key and
// must be unwrapped (via RSAUnwrapper.Unwrap) before it can decrypt a
// message body.
type SessionKey struct {
	Value     []byte
	Encrypted bool
}

// RSAUnwrapper acquires the agent's private RSA key and unwraps a
// session key with it. NewRSAOAEPUnwrapper below returns the RSA-OAEP
// implementation, which internal/rsakeys hands out per call; kept as a
// narrow interface here so the crypto package does not need to know how
// the key store works.
type RSAUnwrapper interface {
	Unwrap(wrapped []byte) ([]byte, error)
}

// DecryptBody decrypts a message body per spec.md §4.4:
//   - no key on the session, or no IV on the message → body is returned as-is.
//   - otherwise: base64-decode, AES-CBC decrypt with (key, iv), PKCS#7 unpad,
//     UTF-8 decode.
//   - if key.Encrypted, unwrapper.Unwrap(key.Value) is called first to obtain
//     the actual per-message AES key; the unwrapped bytes are used only for
//     this call and are never written back into key.
//
// DecryptBody never mutates key — it is side-effect-free on the session, as
// required by spec.md's invariant.
func DecryptBody(body string, iv []byte, key SessionKey, unwrapper RSAUnwrapper) (string, error) {
	if len(key.Value) == 0 || len(iv) == 0 {
		return body, nil
	}

	aesKey := key.Value
	if key.Encrypted {
		if unwrapper == nil {
			return "", errors.New("crypto: session key is RSA-wrapped but no RSAUnwrapper was provided")
		}
		unwrapped, err := unwrapper.Unwrap(key.Value)
		if err != nil {
			return "", fmt.Errorf("crypto: failed to unwrap session key: %w", err)
		}
		aesKey = unwrapped
	}

	ciphertext, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("crypto: failed to base64-decode message body: %w", err)
	}

	plaintext, err := aesCBCDecrypt(aesKey, iv, ciphertext)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

// EncryptBody is the inverse of DecryptBody's AES-CBC step, used by tests to
// exercise the round trip (spec.md §8 property 7) and available to any
// future caller that needs to construct a test fixture message. It does not
// perform RSA wrapping — callers supply a plain (already-unwrapped) key.
func EncryptBody(key, iv, plaintext []byte) (string, error) {
	ciphertext, err := aesCBCEncrypt(key, iv, plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func aesCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create AES cipher: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, errors.New("crypto: ciphertext is not a multiple of the AES block size")
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("crypto: IV length %d does not match block size %d", len(iv), block.BlockSize())
	}

	mode := cipher.NewCBCDecrypter(block, iv)
	plaintext := make([]byte, len(ciphertext))
	mode.CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext, block.BlockSize())
}

func aesCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create AES cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())

	mode := cipher.NewCBCEncrypter(block, iv)
	ciphertext := make([]byte, len(padded))
	mode.CryptBlocks(ciphertext, padded)

	return ciphertext, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidPadding
		}
	}
	return data[:n-padLen], nil
}

// rsaOAEPUnwrapper is the default RSAUnwrapper: RSA-OAEP with a SHA-1 mask,
// matching the orchestrator's wrapping scheme (spec.md §4.4).
type rsaOAEPUnwrapper struct {
	privateKey *rsa.PrivateKey
}

// NewRSAOAEPUnwrapper returns an RSAUnwrapper that unwraps with the given
// private key using RSA-OAEP/SHA-1. The private key handle is held only for
// the lifetime of this value — callers should construct it fresh per
// decryption call and let it go out of scope immediately after, per
// spec.md §5's scoping requirement for the private key handle.
func NewRSAOAEPUnwrapper(privateKey *rsa.PrivateKey) RSAUnwrapper {
	return &rsaOAEPUnwrapper{privateKey: privateKey}
}

func (u *rsaOAEPUnwrapper) Unwrap(wrapped []byte) ([]byte, error) {
	plain, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, u.privateKey, wrapped, nil) //nolint:gosec // SHA-1 OAEP mask is the orchestrator's contract, not our choice
	if err != nil {
		return nil, fmt.Errorf("crypto: RSA-OAEP unwrap failed: %w", err)
	}
	return plain, nil
}
