package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_StableAcrossKeyOrderAndNonTracked(t *testing.T) {
	tracked := []string{"firstName", "familyName", "dob"}

	a := map[string]any{
		"firstName":  "John",
		"familyName": "Doe",
		"dob":        "1990-01-01",
		"email":      "a@x", // non-tracked
	}
	b := map[string]any{
		"email":      "b@x", // differs, but non-tracked
		"dob":        "1990-01-01",
		"familyName": " doe ", // canonically equal
		"firstName":  "JOHN",
	}

	fpA, err := Fingerprint(a, tracked)
	require.NoError(t, err)

	fpB, err := Fingerprint(b, tracked)
	require.NoError(t, err)

	assert.Equal(t, fpA, fpB)
	assert.Len(t, fpA, 64) // sha256 hex
}

func TestFingerprint_TrackedChangeChangesDigest(t *testing.T) {
	tracked := []string{"firstName", "familyName"}

	a := map[string]any{"firstName": "John", "familyName": "Doe"}
	b := map[string]any{"firstName": "John", "familyName": "Smith"}

	fpA, err := Fingerprint(a, tracked)
	require.NoError(t, err)

	fpB, err := Fingerprint(b, tracked)
	require.NoError(t, err)

	assert.NotEqual(t, fpA, fpB)
}

func TestFingerprint_MissingFieldEqualsExplicitNull(t *testing.T) {
	tracked := []string{"firstName", "middleName"}

	a := map[string]any{"firstName": "John"}
	b := map[string]any{"firstName": "John", "middleName": nil}

	fpA, err := Fingerprint(a, tracked)
	require.NoError(t, err)

	fpB, err := Fingerprint(b, tracked)
	require.NoError(t, err)

	assert.Equal(t, fpA, fpB)
}

func TestBusinessKey(t *testing.T) {
	keyFields := []string{"patientId", "practiceId", "perOrgId"}

	a := map[string]any{"patientId": "P1", "practiceId": "PR1", "perOrgId": "O1"}
	b := map[string]any{"perOrgId": " o1 ", "patientId": "p1", "practiceId": "PR1"}

	assert.Equal(t, BusinessKey(a, keyFields), BusinessKey(b, keyFields))

	c := map[string]any{"patientId": "P2", "practiceId": "PR1", "perOrgId": "O1"}
	assert.NotEqual(t, BusinessKey(a, keyFields), BusinessKey(c, keyFields))
}

func TestBusinessKey_NilComponent(t *testing.T) {
	keyFields := []string{"patientId", "practiceId"}

	got := BusinessKey(map[string]any{"patientId": "P1"}, keyFields)
	assert.Equal(t, "p1\x1f", got)
}
