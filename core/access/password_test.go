package access

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestPassword(t *testing.T) {
	PasswordCost = bcrypt.MinCost

	hash, err := HashPassword("camiseta1986")
	require.NoError(t, err)
	assert.NotEqual(t, "camiseta1986", hash)
	assert.NoError(t, CheckPassword(hash, "camiseta1986"))
	assert.ErrorIs(t, CheckPassword(hash, "camiseta1987"), ErrPasswordMismatch)

	_, err = HashPassword("short")
	assert.ErrorIs(t, err, ErrPasswordTooShort)
	_, err = HashPassword(strings.Repeat("x", 73))
	assert.ErrorIs(t, err, ErrPasswordTooLong)
}
