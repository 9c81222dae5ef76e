// Package identity adapts the external identity collaborator. Tokens are
// issued elsewhere; this side only verifies them and extracts the principal.
package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"prospectflow/notification"
)

// ErrInvalidToken covers every verification failure; callers only need to
// know the principal could not be established.
var ErrInvalidToken = errors.New("identity: invalid token")

// Principal is the authenticated caller as asserted by the collaborator.
type Principal struct {
	UserID string
	Role   notification.Role
}

// Verifier checks HS256 tokens signed with the shared identity secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses the token and returns the principal it asserts. The role is
// passed through opaquely; audience resolution decides what it may see.
func (v *Verifier) Verify(tokenString string) (Principal, error) {
	if len(v.secret) == 0 || tokenString == "" {
		return Principal{}, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Principal{}, ErrInvalidToken
	}
	role, ok := claims["role"].(string)
	if !ok || role == "" {
		return Principal{}, ErrInvalidToken
	}

	return Principal{UserID: userID, Role: notification.Role(role)}, nil
}
