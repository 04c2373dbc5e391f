// Package vcode generates and validates redemption codes.
package vcode

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

const (
	MinLength = 8
	MaxLength = 32

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	ErrEmpty       = errors.New("verification code is empty")
	ErrLength      = errors.New("verification code length out of range")
	ErrInvalidChar = errors.New("verification code must be alphanumeric")
)

// Validate checks the shape of a presented code: ASCII letters and digits, 8 to 32 characters.
func Validate(code string) error {
	if code == "" {
		return ErrEmpty
	}
	if len(code) < MinLength || len(code) > MaxLength {
		return fmt.Errorf("%w: got %d, want %d-%d", ErrLength, len(code), MinLength, MaxLength)
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		default:
			return fmt.Errorf("%w: unexpected %q at position %d", ErrInvalidChar, c, i)
		}
	}
	return nil
}

// Generator produces a fresh code for a shipment.
type Generator func() (string, error)

// NewGenerator returns a Generator of uppercase alphanumeric codes of the given length.
func NewGenerator(length int) Generator {
	return func() (string, error) {
		return Generate(length)
	}
}

func Generate(length int) (string, error) {
	if length < MinLength || length > MaxLength {
		return "", fmt.Errorf("%w: cannot generate %d characters", ErrLength, length)
	}

	max := big.NewInt(int64(len(alphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("vcode: failed to read random source: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}

// Fixed returns a Generator that always yields code.
func Fixed(code string) Generator {
	return func() (string, error) {
		return code, nil
	}
}
