// Package auth verifies connection tokens and resolves them to users.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrNoToken      = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrUnknownUser  = errors.New("user not found")
	ErrInactiveUser = errors.New("user is inactive")
)

type Identity struct {
	UserID string
	Role   models.Role
}

// Verifier is the auth collaborator consulted once per connection.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type Claims struct {
	UserID string `json:"id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens. When users is set the token's subject
// must name an existing active user, whose stored role wins over the claim.
type JWTVerifier struct {
	secret []byte
	issuer string
	users  storage.UserStore
	now    func() time.Time
}

func NewJWTVerifier(secret, issuer string, users storage.UserStore) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, users: users, now: time.Now}
}

// Issue signs a token for userID. Used by tooling and tests.
func (v *JWTVerifier) Issue(userID string, role models.Role, ttl time.Duration) (string, error) {
	now := v.now()
	claims := &Claims{
		UserID: userID,
		Role:   string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	const op = "auth.verify"
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Identity{}, &apperr.Error{Category: apperr.Auth, Op: op, Msg: "no token provided", Err: ErrNoToken}
	}
	claims, err := v.parse(token)
	if err != nil {
		return Identity{}, &apperr.Error{Category: apperr.Auth, Op: op, Msg: "invalid or expired token", Err: fmt.Errorf("%w: %v", ErrInvalidToken, err)}
	}
	id := Identity{UserID: claims.UserID, Role: models.Role(claims.Role)}
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if id.UserID == "" {
		return Identity{}, &apperr.Error{Category: apperr.Auth, Op: op, Msg: "token has no user", Err: ErrInvalidToken}
	}

	if v.users != nil {
		u, err := v.users.FindUser(ctx, id.UserID)
		if errors.Is(err, storage.ErrNotFound) {
			return Identity{}, &apperr.Error{Category: apperr.Auth, Op: op, Msg: "user not found", Err: ErrUnknownUser}
		}
		if err != nil {
			return Identity{}, apperr.Wrap(apperr.Dependency, op, err)
		}
		if !u.Active {
			return Identity{}, &apperr.Error{Category: apperr.Auth, Op: op, Msg: "user is inactive", Err: ErrInactiveUser}
		}
		id.Role = u.Role
	}
	if !id.Role.Valid() {
		return Identity{}, &apperr.Error{Category: apperr.Auth, Op: op, Msg: "unknown role", Err: ErrInvalidToken}
	}
	return id, nil
}

func (v *JWTVerifier) parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid claims")
	}
	return claims, nil
}
