// Package idgen generates identifiers for reports, alerts, pool entries and
// webhook deliveries.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 hex characters, e.g. "alrt_…".
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// ReportID returns a fraud report id of the form "FR-<16 upper hex>".
func ReportID() string {
	return "FR-" + strings.ToUpper(Hex(8))
}

// Hex returns numBytes random bytes hex-encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
