// Package ece implements RFC 8291 Web Push message encryption (the
// "aes128gcm" content coding of RFC 8188), the cryptographic primitive
// behind the push delivery manager's encrypted delivery path. Its contract
// is intentionally narrow: given a subscriber's P-256 public key and auth
// secret plus a plaintext, produce an opaque ciphertext. Everything about
// request signing (VAPID) or transport is the caller's concern, not this
// package's.
package ece

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	recordSize  = 4096 // single-record encoding, per RFC 8188 §2: no chunking for push-sized payloads
	keyLength   = 16   // aes128gcm
	nonceLength = 12
	saltLength  = 16
)

// Keys mirrors push.EncryptionKeys without importing the parent package, so
// this package stays a leaf with no dependency on the manager's types.
type Keys struct {
	P256dh []byte
	Auth   []byte
}

// Encrypt seals plaintext under the subscriber's P-256 Diffie-Hellman key
// and auth secret, returning a complete aes128gcm payload: the RFC 8188
// header (salt, record size, ephemeral public key as the "keyid") followed
// by one encrypted record. The output is ready to be base64url-encoded and
// POSTed verbatim as the request body.
func Encrypt(keys Keys, plaintext []byte) ([]byte, error) {
	if len(keys.P256dh) == 0 || len(keys.Auth) == 0 {
		return nil, fmt.Errorf("ece: missing subscriber keys")
	}

	curve := ecdh.P256()
	subscriberKey, err := curve.NewPublicKey(keys.P256dh)
	if err != nil {
		return nil, fmt.Errorf("ece: invalid subscriber public key: %w", err)
	}

	ephemeral, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ece: generate ephemeral key: %w", err)
	}

	sharedSecret, err := ephemeral.ECDH(subscriberKey)
	if err != nil {
		return nil, fmt.Errorf("ece: ECDH failed: %w", err)
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("ece: generate salt: %w", err)
	}

	ephemeralPub := ephemeral.PublicKey().Bytes()

	ikm, err := deriveIKM(sharedSecret, keys.Auth, ephemeralPub, keys.P256dh)
	if err != nil {
		return nil, err
	}

	cek, err := hkdfExpand(ikm, salt, []byte("Content-Encoding: aes128gcm\x00"), keyLength)
	if err != nil {
		return nil, err
	}
	nonce, err := hkdfExpand(ikm, salt, []byte("Content-Encoding: nonce\x00"), nonceLength)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("ece: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ece: new GCM: %w", err)
	}

	// Single-record framing: pad with a single delimiter byte 0x02 (last
	// record) per RFC 8188 §2.
	record := append(append([]byte{}, plaintext...), 0x02)
	sealed := gcm.Seal(nil, nonce, record, nil)

	header := make([]byte, saltLength+4+1+len(ephemeralPub))
	copy(header, salt)
	binary.BigEndian.PutUint32(header[saltLength:], recordSize)
	header[saltLength+4] = byte(len(ephemeralPub))
	copy(header[saltLength+5:], ephemeralPub)

	return append(header, sealed...), nil
}

// deriveIKM computes the RFC 8291 §3.3/3.4 input keying material: HKDF over
// the ECDH shared secret salted by the auth secret, with a context string
// binding in both the subscriber's and the sender's public keys.
func deriveIKM(sharedSecret, authSecret, senderPub, receiverPub []byte) ([]byte, error) {
	info := make([]byte, 0, len("WebPush: info\x00")+len(receiverPub)+len(senderPub))
	info = append(info, []byte("WebPush: info\x00")...)
	info = append(info, receiverPub...)
	info = append(info, senderPub...)
	return hkdfExpand(sharedSecret, authSecret, info, 32)
}

func hkdfExpand(secret, salt, info []byte, length int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("ece: hkdf expand: %w", err)
	}
	return out, nil
}
