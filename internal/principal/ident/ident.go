// Package ident is the single minting point for random identifiers and
// verification codes. Uniqueness is enforced generate-then-check-then-retry
// against the store, with a capped attempt count so a nearly-full id space
// fails loudly instead of spinning forever.
package ident

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"vigil/internal/platform/sentinel"
)

const (
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// IDLength is the length of a principal id / bearer token.
	IDLength = 64

	// codeMax bounds verification codes to 18 decimal digits.
	codeMax = uint64(1_000_000_000_000_000_000)

	maxAttempts = 100
)

// ExistsFunc reports whether a candidate identifier is already taken.
type ExistsFunc func(ctx context.Context, candidate string) (bool, error)

// CodeExistsFunc reports whether a candidate verification code is already live.
type CodeExistsFunc func(ctx context.Context, candidate uint64) (bool, error)

// NewID generates a unique alphanumeric identifier of the given length.
func NewID(ctx context.Context, length int, exists ExistsFunc) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate, err := randomString(length)
		if err != nil {
			return "", fmt.Errorf("sample id: %w", err)
		}
		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("check id collision: %w", err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("generate id after %d attempts: %w", maxAttempts, sentinel.ErrExhausted)
}

// NewCode generates a unique numeric verification code in [0, 10^18).
func NewCode(ctx context.Context, exists CodeExistsFunc) (uint64, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate, err := randomUint64(codeMax)
		if err != nil {
			return 0, fmt.Errorf("sample code: %w", err)
		}
		taken, err := exists(ctx, candidate)
		if err != nil {
			return 0, fmt.Errorf("check code collision: %w", err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("generate code after %d attempts: %w", maxAttempts, sentinel.ErrExhausted)
}

func randomString(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

// randomUint64 returns a uniform value in [0, max) via rejection sampling to
// avoid modulo bias.
func randomUint64(max uint64) (uint64, error) {
	limit := ^uint64(0) - (^uint64(0) % max)
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v < limit {
			return v % max, nil
		}
	}
}
