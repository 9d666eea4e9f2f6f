package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/chargemap/chargemap-api/internal/config"
	"github.com/chargemap/chargemap-api/internal/models"
	pkgerrors "github.com/chargemap/chargemap-api/pkg/errors"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the decoded payload of a token: who the caller is and what
// role they hold. Role is a constructor argument on purpose so a claim
// can never be built without one.
type Identity struct {
	UserID int64
	Email  string
	Role   models.Role
}

func NewIdentity(userID int64, email string, role models.Role) Identity {
	return Identity{UserID: userID, Email: email, Role: role}
}

// tokenClaims is the JWT payload. The user id travels as a string so the
// claim set stays primitive-only on the wire.
type tokenClaims struct {
	UserID string      `json:"id"`
	Email  string      `json:"email"`
	Role   models.Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies access and refresh tokens. The two
// kinds are signed with distinct secrets, so a token of one kind always
// fails signature verification as the other.
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

func NewTokenService(cfg *config.Config) *TokenService {
	return &TokenService{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
	}
}

func (s *TokenService) IssueAccess(id Identity) (string, error) {
	return s.issue(id, s.accessSecret, s.accessTTL)
}

func (s *TokenService) IssueRefresh(id Identity) (string, error) {
	return s.issue(id, s.refreshSecret, s.refreshTTL)
}

func (s *TokenService) issue(id Identity, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := tokenClaims{
		UserID: strconv.FormatInt(id.UserID, 10),
		Email:  id.Email,
		Role:   models.ParseRole(string(id.Role)),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   strconv.FormatInt(id.UserID, 10),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *TokenService) VerifyAccess(tokenStr string) (Identity, error) {
	return s.verify(tokenStr, s.accessSecret)
}

func (s *TokenService) VerifyRefresh(tokenStr string) (Identity, error) {
	return s.verify(tokenStr, s.refreshSecret)
}

func (s *TokenService) verify(tokenStr string, secret []byte) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &tokenClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
			}
			return secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return Identity{}, pkgerrors.ErrInvalidToken
	}

	userID, err := strconv.ParseInt(claims.UserID, 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: bad user id claim", pkgerrors.ErrInvalidToken)
	}
	if !claims.Role.Valid() {
		return Identity{}, fmt.Errorf("%w: bad role claim", pkgerrors.ErrInvalidToken)
	}

	return Identity{UserID: userID, Email: claims.Email, Role: claims.Role}, nil
}
