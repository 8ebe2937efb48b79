package testutil

import (
	"log"
	"os"
	"testing"

	"github.com/golang-jwt/jwt"
)

func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(os.Stdout, "[test] ", log.LstdFlags)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
	})
	return logger
}

// SignToken mints an HS256 token carrying the sub and role claims the
// relay expects.
func SignToken(t *testing.T, key []byte, username, role string) string {
	t.Helper()

	claims := jwt.MapClaims{}
	if username != "" {
		claims["sub"] = username
	}
	if role != "" {
		claims["role"] = role
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}
