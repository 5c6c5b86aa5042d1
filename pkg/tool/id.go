package tool

import (
	"crypto/rand"
	"strings"

	"github.com/google/uuid"
)

func GenerateUUIDV7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// idempotenceNamespace scopes deterministic gateway idempotence keys.
var idempotenceNamespace = uuid.MustParse("6f1c2b0e-8f4e-4f5a-9a63-2d7c1e0b5a11")

// IdempotenceKey derives a stable key from parts, so retries of the same logical
// charge within one attempt window collapse at the gateway.
func IdempotenceKey(parts ...string) string {
	return uuid.NewSHA1(idempotenceNamespace, []byte(strings.Join(parts, "|"))).String()
}

const referralAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateReferralCode returns a random code of length n over an unambiguous alphabet.
func GenerateReferralCode(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand does not fail on supported platforms
		copy(buf, uuid.Must(uuid.NewV7()).String())
	}
	for i, b := range buf {
		buf[i] = referralAlphabet[int(b)%len(referralAlphabet)]
	}
	return string(buf)
}
