package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKeyShape(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "ag_"))
	assert.True(t, ValidFormat(key))

	other, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestHashAPIKeyDeterministic(t *testing.T) {
	pepper := []byte("test-pepper")
	hash1 := HashAPIKey("ag_abc123", pepper)
	hash2 := HashAPIKey("ag_abc123", pepper)
	assert.Equal(t, hash1, hash2, "lookups require a stable digest")
	assert.Len(t, hash1, 64) // 32 bytes hex encoded
}

func TestHashAPIKeyPepperChangesDigest(t *testing.T) {
	hash1 := HashAPIKey("ag_abc123", []byte("pepper-one"))
	hash2 := HashAPIKey("ag_abc123", []byte("pepper-two"))
	assert.NotEqual(t, hash1, hash2)
}

func TestHashAPIKeyDistinctKeysDiffer(t *testing.T) {
	pepper := []byte("test-pepper")
	assert.NotEqual(t, HashAPIKey("ag_one", pepper), HashAPIKey("ag_two", pepper))
}

func TestValidFormat(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"ag_dGVzdA", true},
		{"ag_", false},
		{"", false},
		{"sk-somethingelse", false},
		{"AG_uppercase", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidFormat(tt.key), "key %q", tt.key)
	}
}
