package tool

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestIdempotenceKey_Deterministic(t *testing.T) {
	a := IdempotenceKey("auto_renew", "42", "2026-10-16")
	b := IdempotenceKey("auto_renew", "42", "2026-10-16")
	c := IdempotenceKey("auto_renew", "42", "2026-10-17")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	_, err := uuid.Parse(a)
	require.NoError(t, err)
}

func TestGenerateReferralCode(t *testing.T) {
	code := GenerateReferralCode(8)
	require.Len(t, code, 8)
	for _, r := range code {
		require.Contains(t, referralAlphabet, string(r))
	}
}

func TestGenerateUUIDV7(t *testing.T) {
	id, err := uuid.Parse(GenerateUUIDV7())
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), id.Version())
}
