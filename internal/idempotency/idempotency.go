// Package idempotency remembers the outcome of create requests carrying an
// Idempotency-Key so a retried request returns the original resource.
package idempotency

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// DefaultWindow is how long a claimed key is remembered.
const DefaultWindow = 10 * time.Minute

// MaxKeyLength bounds the raw header value.
const MaxKeyLength = 255

var (
	// ErrInFlight is returned when the original request has not completed yet.
	ErrInFlight = errors.New("idempotency: original request still in flight")
	// ErrInvalidKey rejects empty or oversized keys.
	ErrInvalidKey = errors.New("idempotency: invalid key")
)

// Store claims keys. Claim returns the recorded resource id when the key
// already completed, or claimed=true when the caller now owns the key and
// must call Complete or Release.
type Store interface {
	Claim(ctx context.Context, scope, key string) (resourceID string, claimed bool, err error)
	Complete(ctx context.Context, scope, key, resourceID string) error
	Release(ctx context.Context, scope, key string) error
}

// hashKey scopes the raw key to its owner and hides it from the backing store.
func hashKey(scope, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || len(key) > MaxKeyLength {
		return "", ErrInvalidKey
	}
	sum := blake2b.Sum256([]byte(scope + "\x00" + key))
	return hex.EncodeToString(sum[:]), nil
}
