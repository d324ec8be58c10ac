package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"

	"github.com/fatflowers/paysync/pkg/response"
)

const (
	// OperatorIDKey holds the authenticated operator's subject on gin.Context.
	OperatorIDKey = "operatorID"
	RoleOperator  = "operator"
)

type OperatorClaims struct {
	jwt.StandardClaims
	Role string `json:"role"`
}

// OperatorAuth accepts HS256 bearer tokens signed with secret whose role
// claim is operator. An empty secret rejects every request.
func OperatorAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if secret == "" || raw == "" {
			abortUnauthorized(c, "missing operator token")
			return
		}
		claims := &OperatorClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
			if token.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}
		if claims.Role != RoleOperator || claims.Subject == "" {
			abortUnauthorized(c, "operator role required")
			return
		}
		c.Set(OperatorIDKey, claims.Subject)
		c.Next()
	}
}

// SignOperatorToken issues a token OperatorAuth accepts.
func SignOperatorToken(secret, operatorID string, claims jwt.StandardClaims) (string, error) {
	claims.Subject = operatorID
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &OperatorClaims{StandardClaims: claims, Role: RoleOperator}).SignedString([]byte(secret))
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeUnauthorized, msg))
}
