package planimg

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/KazanExpress/planimg/internal/pkg/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	NotAuthenticatedError = errors.New("Authentication credentials were not provided.")
	InvalidTokenError     = errors.New("Invalid token")
	PermissionDeniedError = errors.New("You must have a Plan to perform this action")
	EmptySecretError      = errors.New("jwt secret is not configured")
)

// Claims - payload of access tokens, subject is the user id
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// IssueToken signs HS256 token for user valid for ttl
func IssueToken(secret string, user *storage.User, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", EmptySecretError
	}

	now := time.Now()
	claims := &Claims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "planimg",
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates token and returns id of its user
func ParseToken(secret, tokenString string) (uuid.UUID, error) {
	if secret == "" {
		return uuid.Nil, EmptySecretError
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, InvalidTokenError
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, InvalidTokenError
	}
	return id, nil
}

// bearerToken extracts token from "Authorization: Bearer <token>"
func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// Authorize - only users with a plan may create, list and delete images
func Authorize(user *storage.User) bool {
	return user != nil && user.PlanID != nil
}
