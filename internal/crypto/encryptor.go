// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

// Package crypto implements the shared-secret stream encryptor used by the
// encryptor transport. Key derivation and cipher naming are compatible with
// OpenSSL EVP: EVP_BytesToKey with MD5, one iteration, no salt.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/cast5"
	"golang.org/x/crypto/chacha20"
)

var (
	ErrUnsupportedMethod = errors.New("unsupported cipher method")
	ErrShortCiphertext   = errors.New("ciphertext carries no data past initialisation vector")
)

type cipherSpec struct {
	keyLen int
	ivLen  int
	new    func(key, iv []byte, decrypt bool) (cipher.Stream, error)
}

func newAESCFB(key, iv []byte, decrypt bool) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if decrypt {
		return cipher.NewCFBDecrypter(block, iv), nil
	}
	return cipher.NewCFBEncrypter(block, iv), nil
}

func newAESCTR(key, iv []byte, _ bool) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

func newRC4MD5(key, iv []byte, _ bool) (cipher.Stream, error) {
	h := md5.New()
	h.Write(key)
	h.Write(iv)
	return rc4.NewCipher(h.Sum(nil))
}

func newBlowfishCFB(key, iv []byte, decrypt bool) (cipher.Stream, error) {
	block, err := blowfish.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if decrypt {
		return cipher.NewCFBDecrypter(block, iv), nil
	}
	return cipher.NewCFBEncrypter(block, iv), nil
}

func newCAST5CFB(key, iv []byte, decrypt bool) (cipher.Stream, error) {
	block, err := cast5.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if decrypt {
		return cipher.NewCFBDecrypter(block, iv), nil
	}
	return cipher.NewCFBEncrypter(block, iv), nil
}

func newChaCha20(key, iv []byte, _ bool) (cipher.Stream, error) {
	return chacha20.NewUnauthenticatedCipher(key, iv)
}

var ciphers = map[string]cipherSpec{
	"aes-128-cfb":   {16, 16, newAESCFB},
	"aes-192-cfb":   {24, 16, newAESCFB},
	"aes-256-cfb":   {32, 16, newAESCFB},
	"aes-128-ctr":   {16, 16, newAESCTR},
	"aes-192-ctr":   {24, 16, newAESCTR},
	"aes-256-ctr":   {32, 16, newAESCTR},
	"rc4-md5":       {16, 16, newRC4MD5},
	"bf-cfb":        {16, 8, newBlowfishCFB},
	"cast5-cfb":     {16, 8, newCAST5CFB},
	"chacha20-ietf": {32, 12, newChaCha20},
}

// Support reports whether method names a known cipher.
func Support(method string) bool {
	_, ok := ciphers[method]
	return ok
}

// Methods returns the supported cipher names, sorted.
func Methods() []string {
	names := make([]string, 0, len(ciphers))
	for name := range ciphers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// bytesToKey derives keyLen bytes from password the way EVP_BytesToKey does
// with MD5, a single iteration and no salt: D1 = MD5(password),
// Dn = MD5(Dn-1 || password).
func bytesToKey(password []byte, keyLen int) []byte {
	var derived, digest []byte
	for len(derived) < keyLen {
		h := md5.New()
		h.Write(digest)
		h.Write(password)
		digest = h.Sum(nil)
		derived = append(derived, digest...)
	}
	return derived[:keyLen]
}

// Encryptor encrypts and decrypts a single duplex stream. The encrypting
// direction picks a random IV and prepends it to the first ciphertext; the
// decrypting direction reads its IV from the front of the first ciphertext.
// Not safe for concurrent use of the same direction.
type Encryptor struct {
	spec cipherSpec
	key  []byte
	enc  cipher.Stream
	dec  cipher.Stream
}

// New builds an encryptor for the named method and password.
func New(method, password string) (*Encryptor, error) {
	spec, ok := ciphers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	if password == "" {
		return nil, errors.New("empty cipher password")
	}
	return &Encryptor{
		spec: spec,
		key:  bytesToKey([]byte(password), spec.keyLen),
	}, nil
}

// IVLength returns the initialisation-vector size of the chosen cipher.
func (e *Encryptor) IVLength() int { return e.spec.ivLen }

// Encrypt returns the ciphertext for p. The first call prefixes the freshly
// generated IV.
func (e *Encryptor) Encrypt(p []byte) ([]byte, error) {
	if e.enc == nil {
		iv := make([]byte, e.spec.ivLen)
		if _, err := rand.Read(iv); err != nil {
			return nil, err
		}
		stream, err := e.spec.new(e.key, iv, false)
		if err != nil {
			return nil, err
		}
		e.enc = stream

		out := make([]byte, len(iv)+len(p))
		copy(out, iv)
		e.enc.XORKeyStream(out[len(iv):], p)
		return out, nil
	}

	out := make([]byte, len(p))
	e.enc.XORKeyStream(out, p)
	return out, nil
}

// Decrypt returns the plaintext for p. The first call consumes the IV from
// the front of p.
func (e *Encryptor) Decrypt(p []byte) ([]byte, error) {
	if e.dec == nil {
		if len(p) <= e.spec.ivLen {
			return nil, ErrShortCiphertext
		}
		stream, err := e.spec.new(e.key, p[:e.spec.ivLen], true)
		if err != nil {
			return nil, err
		}
		e.dec = stream
		p = p[e.spec.ivLen:]
	}

	out := make([]byte, len(p))
	e.dec.XORKeyStream(out, p)
	return out, nil
}
