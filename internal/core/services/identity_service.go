package services

import (
	"errors"
	"fmt"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token expired")
	ErrIdentityMismatch = errors.New("token issued for another identity")
)

// Claims binds a token to one identity.
type Claims struct {
	Identity domain.Identity `json:"identity"`
	jwt.RegisteredClaims
}

// IdentityService issues and checks identity tokens. The relay trusts an
// external issuer; IssueToken exists for tooling and tests.
type IdentityService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

var _ ports.IdentityVerifier = (*IdentityService)(nil)

func NewIdentityService(secret, issuer string, ttl time.Duration) *IdentityService {
	return &IdentityService{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *IdentityService) IssueToken(identity domain.Identity) (string, error) {
	now := s.now()
	claims := &Claims{
		Identity: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   string(identity),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *IdentityService) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// VerifyIdentity checks that token is valid and was issued for identity.
func (s *IdentityService) VerifyIdentity(token string, identity domain.Identity) error {
	if token == "" {
		return ErrInvalidToken
	}
	claims, err := s.ParseToken(token)
	if err != nil {
		return err
	}
	if claims.Identity != identity {
		return fmt.Errorf("%w: %s", ErrIdentityMismatch, claims.Identity)
	}
	return nil
}
