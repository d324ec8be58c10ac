package apple

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccountToken_RoundTrip(t *testing.T) {
	for _, userID := range []string{"1234567890", "a1bcdef234", "f"} {
		token, err := AccountToken(userID)
		require.NoError(t, err)
		require.Len(t, token, 36)

		decoded, err := UserIDFromAccountToken(token)
		require.NoError(t, err)
		require.Equal(t, userID, decoded)
	}
}

func TestAccountToken_RejectsInvalidUserID(t *testing.T) {
	_, err := AccountToken("not-hex")
	require.Error(t, err)
	_, err = AccountToken("0123456789abcdef0123456789abcdef")
	require.Error(t, err)
}

func TestUserIDFromAccountToken_RejectsForeignTokens(t *testing.T) {
	_, err := UserIDFromAccountToken("4b825dc6-5f3b-4f8e-b9d6-4f4f2d8c1122")
	require.ErrorIs(t, err, ErrForeignToken)

	_, err = UserIDFromAccountToken("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaa1234")
	require.ErrorIs(t, err, ErrForeignToken)
}
