package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHmacSHA256(t *testing.T) {
	t.Run("returns 64 character hex string", func(t *testing.T) {
		result := HmacSHA256("secret", "data")
		assert.Len(t, result, 64)
	})

	t.Run("different secret produces different result", func(t *testing.T) {
		result1 := HmacSHA256("secret1", "data")
		result2 := HmacSHA256("secret2", "data")
		assert.NotEqual(t, result1, result2)
	})

	t.Run("different data produces different result", func(t *testing.T) {
		result1 := HmacSHA256("secret", "data1")
		result2 := HmacSHA256("secret", "data2")
		assert.NotEqual(t, result1, result2)
	})

	t.Run("produces expected HMAC", func(t *testing.T) {
		// Known test vector
		result := HmacSHA256("key", "The quick brown fox jumps over the lazy dog")
		assert.Equal(t, "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", result)
	})
}

func TestMD5Hex(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", MD5Hex(""))
	assert.Equal(t, "9e107d9d372bb6826bd81d3542a419d6", MD5Hex("The quick brown fox jumps over the lazy dog"))
}

func TestConstantTimeEqual(t *testing.T) {
	t.Run("returns true for equal strings", func(t *testing.T) {
		assert.True(t, ConstantTimeEqual("abc", "abc"))
	})

	t.Run("returns false for different strings", func(t *testing.T) {
		assert.False(t, ConstantTimeEqual("abc", "def"))
	})

	t.Run("returns false for different lengths", func(t *testing.T) {
		assert.False(t, ConstantTimeEqual("abc", "abcd"))
	})
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "abcd****", MaskSecret("abcdef0123"))
}
