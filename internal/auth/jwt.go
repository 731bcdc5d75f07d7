package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errMissingSecret = errors.New("JWT secret is not set")

// Identity is the resolved operator behind a session token.
type Identity struct {
	OwnerID string
	Role    string
}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Service signs and resolves operator session tokens. Agents never hold
// tokens; they authenticate by fingerprint possession only.
type Service struct {
	secret []byte
}

func NewService(secret string) (*Service, error) {
	if secret == "" {
		return nil, errMissingSecret
	}
	return &Service{secret: []byte(secret)}, nil
}

func (s *Service) GenerateToken(ownerID, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(7 * 24 * time.Hour)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Resolve validates a session token and returns the identity it carries.
func (s *Service) Resolve(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return &Identity{OwnerID: claims.Subject, Role: claims.Role}, nil
}
