package apple

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// App account tokens carry the user id through the App Store purchase.
// Layout: two hex digits of length, the hex user id, then 'a' padding to 32
// hex digits, formatted as a UUID.
const (
	tokenHexLen     = 32
	maxUserIDHexLen = 30
	tokenPad        = 'a'
)

var ErrForeignToken = errors.New("app account token was not issued for a user id")

// AccountToken encodes a hex user id as an app account token.
func AccountToken(userID string) (string, error) {
	id := strings.ToLower(userID)
	if !isHex(id) {
		return "", fmt.Errorf("user id %q is not hex", userID)
	}
	if len(id) > maxUserIDHexLen {
		return "", fmt.Errorf("user id %q longer than %d hex digits", userID, maxUserIDHexLen)
	}

	var b strings.Builder
	b.Grow(tokenHexLen + 4)
	b.WriteString(fmt.Sprintf("%02x", len(id)))
	b.WriteString(id)
	b.WriteString(strings.Repeat(string(tokenPad), tokenHexLen-len(id)-2))
	hex := b.String()
	return hex[:8] + "-" + hex[8:12] + "-" + hex[12:16] + "-" + hex[16:20] + "-" + hex[20:], nil
}

// UserIDFromAccountToken reverses AccountToken.
func UserIDFromAccountToken(token string) (string, error) {
	hex := strings.ToLower(strings.ReplaceAll(token, "-", ""))
	if len(hex) != tokenHexLen || !isHex(hex) {
		return "", fmt.Errorf("%w: %q", ErrForeignToken, token)
	}
	n, err := strconv.ParseUint(hex[:2], 16, 8)
	if err != nil || n == 0 || n > maxUserIDHexLen {
		return "", fmt.Errorf("%w: %q", ErrForeignToken, token)
	}
	end := 2 + int(n)
	if strings.Trim(hex[end:], string(tokenPad)) != "" {
		return "", fmt.Errorf("%w: %q", ErrForeignToken, token)
	}
	return hex[2:end], nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		if !('0' <= ch && ch <= '9' || 'a' <= ch && ch <= 'f' || 'A' <= ch && ch <= 'F') {
			return false
		}
	}
	return true
}
