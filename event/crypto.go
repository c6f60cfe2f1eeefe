package event

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/go-errors/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// DecryptError is returned by Decrypt when authentication fails, per
// spec.md §4.1. Callers (the protocol engine) treat it as "drop the
// event" rather than a fatal error, per spec.md §7.
type DecryptError struct {
	cause error
}

func (e *DecryptError) Error() string {
	if e.cause != nil {
		return "event: decrypt: " + e.cause.Error()
	}
	return "event: decrypt: authentication failed"
}

func (e *DecryptError) Unwrap() error { return e.cause }

const (
	hkdfInfo  = "askexperts-market conversation key v1"
	nonceSize = chacha20poly1305.NonceSizeX
)

// conversationKey derives a symmetric key for the unordered pair of keys
// (senderPriv, recipientPub) via ECDH followed by HKDF-SHA256, mirroring
// the teacher's "derive shared secret, then use it to key an AEAD" idiom
// used for the noise handshake in lnd's peer transport.
func conversationKey(priv *btcec.PrivateKey, pub *btcec.PublicKey) ([]byte, error) {
	if priv == nil || pub == nil {
		return nil, errors.New("event: malformed key for conversation key derivation")
	}
	shared := btcec.GenerateSharedSecret(priv, pub)

	r := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return key, nil
}

// Encrypt authenticated-encrypts plaintext from senderPriv to
// recipientPub, per spec.md §4.1. The returned string is a
// "<base64 ciphertext>?iv=<base64 nonce>" token, the on-wire content of
// every encrypted event kind.
func Encrypt(plaintext string, recipientPub *btcec.PublicKey, senderPriv *btcec.PrivateKey) (string, error) {
	key, err := conversationKey(senderPriv, recipientPub)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", errors.Wrap(err, 0)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, 0)
	}

	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext) +
		"?iv=" + base64.StdEncoding.EncodeToString(nonce), nil
}

// Decrypt reverses Encrypt. senderPub and recipientPriv must be the other
// two legs of the same (sender, recipient) pair used to encrypt, in
// either order, since ECDH is symmetric. Returns *DecryptError on any
// authentication or parse failure.
func Decrypt(ciphertext string, senderPub *btcec.PublicKey, recipientPriv *btcec.PrivateKey) (string, error) {
	parts := strings.SplitN(ciphertext, "?iv=", 2)
	if len(parts) != 2 {
		return "", &DecryptError{cause: errors.New("malformed ciphertext: missing iv")}
	}

	ct, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", &DecryptError{cause: err}
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", &DecryptError{cause: err}
	}
	if len(nonce) != nonceSize {
		return "", &DecryptError{cause: errors.New("malformed nonce length")}
	}

	key, err := conversationKey(recipientPriv, senderPub)
	if err != nil {
		return "", &DecryptError{cause: err}
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", &DecryptError{cause: err}
	}

	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", &DecryptError{cause: err}
	}
	return string(plaintext), nil
}

// EncryptHex is a convenience for callers holding hex-encoded keys (as
// carried on events) rather than parsed key objects.
func EncryptHex(plaintext, recipientPubHex string, senderPriv *btcec.PrivateKey) (string, error) {
	pub, err := ParsePubKey(recipientPubHex)
	if err != nil {
		return "", err
	}
	return Encrypt(plaintext, pub, senderPriv)
}

// DecryptHex is the hex-key counterpart to DecryptHex's sibling Decrypt.
func DecryptHex(ciphertext, senderPubHex string, recipientPriv *btcec.PrivateKey) (string, error) {
	pub, err := ParsePubKey(senderPubHex)
	if err != nil {
		return "", err
	}
	return Decrypt(ciphertext, pub, recipientPriv)
}
