package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const (
	usernameClaim = "sub"
	roleClaim     = "role"
	bearerPrefix  = "Bearer "
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// JWTValidator checks HS256 tokens signed with a shared key.
type JWTValidator struct {
	signingKey []byte
}

func NewJWTValidator(signingKey []byte) *JWTValidator {
	return &JWTValidator{signingKey: signingKey}
}

// ValidateToken verifies tokenString and returns the identity in its sub
// and role claims. A leading "Bearer " is accepted and stripped. Every
// failure wraps ErrMissingToken or ErrInvalidToken.
func (v *JWTValidator) ValidateToken(tokenString string) (types.Identity, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, bearerPrefix))
	if tokenString == "" {
		return types.Identity{}, ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: parse token: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return types.Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.Identity{}, fmt.Errorf("%w: invalid token claims", ErrInvalidToken)
	}

	username, _ := claims[usernameClaim].(string)
	role, _ := claims[roleClaim].(string)
	if username == "" || role == "" {
		return types.Identity{}, fmt.Errorf("%w: invalid token payload", ErrInvalidToken)
	}

	return types.Identity{Username: username, Role: role}, nil
}
