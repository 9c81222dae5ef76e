package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"prospectflow/notification"
)

const testSecret = "identity-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestVerify_ValidToken(t *testing.T) {
	v := NewVerifier(testSecret)
	token := signToken(t, testSecret, jwt.MapClaims{
		"user_id": "f1",
		"role":    "FORMATEUR",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})

	p, err := v.Verify(token)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if p.UserID != "f1" || p.Role != notification.RoleFormateur {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestVerify_Rejections(t *testing.T) {
	v := NewVerifier(testSecret)
	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"wrong secret", signToken(t, "other-secret", jwt.MapClaims{"user_id": "f1", "role": "FORMATEUR"})},
		{"expired", signToken(t, testSecret, jwt.MapClaims{"user_id": "f1", "role": "FORMATEUR", "exp": time.Now().Add(-time.Hour).Unix()})},
		{"missing user", signToken(t, testSecret, jwt.MapClaims{"role": "FORMATEUR"})},
		{"missing role", signToken(t, testSecret, jwt.MapClaims{"user_id": "f1"})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Verify(tc.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestVerify_NoSecretFailsClosed(t *testing.T) {
	v := NewVerifier("")
	token := signToken(t, testSecret, jwt.MapClaims{"user_id": "f1", "role": "FORMATEUR"})
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken with empty secret, got %v", err)
	}
}

func TestVerify_RoleIsOpaque(t *testing.T) {
	v := NewVerifier(testSecret)
	token := signToken(t, testSecret, jwt.MapClaims{"user_id": "u1", "role": "SUPERADMIN"})

	p, err := v.Verify(token)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	// Unknown roles pass through; audience resolution grants them nothing.
	if got := notification.AllowedAudiences(p.Role, p.UserID); len(got) != 0 {
		t.Fatalf("unknown role must resolve to no audiences, got %v", got)
	}
}
