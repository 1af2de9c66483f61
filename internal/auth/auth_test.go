package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func newVerifier() (*JWTVerifier, *storage.MemoryStore) {
	users := storage.NewMemoryStore()
	users.PutUser(models.User{ID: "p1", Role: models.RolePassenger, Active: true})
	users.PutUser(models.User{ID: "d1", Role: models.RoleDriver, Active: true})
	users.PutUser(models.User{ID: "gone", Role: models.RolePassenger, Active: false})
	return NewJWTVerifier("test-secret", "ride-dispatch", users), users
}

func TestVerifyValidToken(t *testing.T) {
	v, _ := newVerifier()
	// the stored role wins over the claimed one
	tok, err := v.Issue("d1", models.RolePassenger, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	id, err := v.Verify(context.Background(), "Bearer "+tok)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "d1" || id.Role != models.RoleDriver {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	v, _ := newVerifier()
	expired, _ := v.Issue("p1", models.RolePassenger, -time.Minute)
	unknown, _ := v.Issue("nobody", models.RolePassenger, time.Hour)
	inactive, _ := v.Issue("gone", models.RolePassenger, time.Hour)
	other := NewJWTVerifier("other-secret", "ride-dispatch", nil)
	forged, _ := other.Issue("p1", models.RolePassenger, time.Hour)
	wrongIssuer, _ := NewJWTVerifier("test-secret", "someone-else", nil).Issue("p1", models.RolePassenger, time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "p1", Role: "passenger"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrNoToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"expired", expired, ErrInvalidToken},
		{"wrong secret", forged, ErrInvalidToken},
		{"wrong issuer", wrongIssuer, ErrInvalidToken},
		{"alg none", none, ErrInvalidToken},
		{"unknown user", unknown, ErrUnknownUser},
		{"inactive user", inactive, ErrInactiveUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.token)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if apperr.CategoryOf(err) != apperr.Auth {
				t.Fatalf("expected auth category, got %s", apperr.CategoryOf(err))
			}
		})
	}
}

func TestVerifyWithoutUserStoreTrustsClaims(t *testing.T) {
	v := NewJWTVerifier("s", "", nil)
	tok, _ := v.Issue("ops", models.RoleAdmin, time.Hour)
	id, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatal(err)
	}
	if id.Role != models.RoleAdmin {
		t.Fatalf("unexpected role %s", id.Role)
	}
	bad, _ := v.Issue("x", models.Role("pilot"), time.Hour)
	if _, err := v.Verify(context.Background(), bad); apperr.CategoryOf(err) != apperr.Auth {
		t.Fatalf("unknown role should be rejected, got %v", err)
	}
}
