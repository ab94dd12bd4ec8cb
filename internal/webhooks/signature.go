package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const signaturePrefix = "sha256="

// DefaultTolerance is how far a delivery timestamp may drift from the
// receiver's clock.
const DefaultTolerance = 5 * time.Minute

var (
	ErrBadSignature = errors.New("webhook signature mismatch")
	ErrStale        = errors.New("webhook timestamp outside tolerance")
)

// Sign returns the signature header value for payload sent at timestamp.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received delivery. It is what receivers run.
func Verify(secret, timestamp, signature string, payload []byte, now time.Time, tolerance time.Duration) error {
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStale
	}
	if d := now.Sub(time.Unix(sec, 0)); d > tolerance || d < -tolerance {
		return ErrStale
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		return ErrBadSignature
	}
	want := Sign(secret, timestamp, payload)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// StaticID names the subscription seeded for a configured URL.
func StaticID(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "wh_static_" + hex.EncodeToString(sum[:8])
}

// EnsureStatic registers the configured URLs as subscriptions to every
// event, sharing one secret. Existing entries keep their delivery history
// but pick up the current secret and are re-enabled.
func EnsureStatic(ctx context.Context, store Store, urls []string, secret string, now time.Time) error {
	for _, u := range urls {
		id := StaticID(u)
		existing, err := store.Get(ctx, id)
		switch {
		case err == nil:
			existing.Secret = secret
			existing.Active = true
			existing.ConsecutiveFailures = 0
			if err := store.Update(ctx, existing); err != nil {
				return err
			}
		case errors.Is(err, ErrNotFound):
			if err := store.Create(ctx, &Subscription{
				ID: id, URL: u, Secret: secret, Active: true, CreatedBy: "config", CreatedAt: now,
			}); err != nil {
				return err
			}
		default:
			return err
		}
	}
	return nil
}
