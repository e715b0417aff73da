package util

import (
	"keydrop/pkg/domain"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
)

const (
	keyAlphabet        = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	DefaultKeyAttempts = 10
)

// NewKey draws a key uniformly from [A-Za-z0-9].
func NewKey() (string, error) {
	return gonanoid.Generate(keyAlphabet, domain.KeyLength)
}

// GenKey probes exists for up to attempts fresh keys and returns the first free one.
// Probe-then-insert is racy; the store's unique constraint is the backstop.
func GenKey(attempts int, exists func(string) (bool, error)) (string, error) {
	if attempts <= 0 {
		attempts = DefaultKeyAttempts
	}
	for i := 0; i < attempts; i++ {
		key, err := NewKey()
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		taken, err := exists(key)
		if err != nil {
			return "", errors.Wrap(err, "probe key")
		}
		if !taken {
			return key, nil
		}
	}
	return "", errors.Wrapf(domain.ErrKeyExhaustion, "key collision after %d attempts", attempts)
}
