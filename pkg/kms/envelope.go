package kms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer performs envelope encryption: every payload gets a fresh DEK, the
// DEK is wrapped by the Adapter, and both halves are bound to the same context.
type Sealer struct {
	adapter *Adapter
	keks    *KEKCache
}

func NewSealer(adapter *Adapter, keks *KEKCache) *Sealer {
	return &Sealer{adapter: adapter, keks: keks}
}

func (s *Sealer) Seal(ctx context.Context, plaintext []byte, encContext EncryptionContext) (ciphertext, wrappedDEK []byte, err error) {
	dek, err := GenerateDEK()
	if err != nil {
		return nil, nil, fmt.Errorf("generate dek: %w", err)
	}
	defer wipeBytes(dek)
	ciphertext, err = AEADSeal(plaintext, dek, encContext.serialize())
	if err != nil {
		return nil, nil, fmt.Errorf("seal payload: %w", err)
	}
	wrappedDEK, err = s.adapter.Encrypt(ctx, dek, encContext)
	if err != nil {
		return nil, nil, fmt.Errorf("wrap dek: %w", err)
	}
	return ciphertext, wrappedDEK, nil
}

func (s *Sealer) Open(ctx context.Context, ciphertext, wrappedDEK []byte, encContext EncryptionContext) ([]byte, error) {
	var (
		dek []byte
		err error
	)
	if s.keks != nil {
		dek, err = s.keks.DecryptDEK(ctx, wrappedDEK, encContext)
	} else {
		dek, err = s.adapter.Decrypt(ctx, wrappedDEK, encContext)
	}
	if err != nil {
		return nil, fmt.Errorf("unwrap dek: %w", err)
	}
	defer wipeBytes(dek)
	plaintext, err := AEADOpen(ciphertext, dek, encContext.serialize())
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	return plaintext, nil
}

func GenerateDEK() ([]byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	return dek, nil
}
func AEADSeal(plaintext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}
func AEADOpen(ciphertext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	plaintext, err := aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
