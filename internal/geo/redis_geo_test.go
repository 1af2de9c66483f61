package geo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

func TestParseUpdated(t *testing.T) {
	stamp := time.Date(2024, 3, 1, 10, 30, 0, 123, time.UTC)
	cases := []struct {
		name string
		in   string
		want time.Time
	}{
		{"rfc3339", stamp.Format(time.RFC3339Nano), stamp},
		{"unix seconds", "1709289000", time.Unix(1709289000, 0)},
		{"missing", "", time.Time{}},
		{"garbage", "yesterday", time.Time{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseUpdated(tc.in); !got.Equal(tc.want) {
				t.Fatalf("parseUpdated(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

// Runs against a real server when REDIS_ADDR is set.
func TestRedisGeoWithinCarriesTimestamps(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	g := NewRedisGeo(addr, os.Getenv("REDIS_PASSWORD"), "test:drivers:"+uuid.NewString())
	t.Cleanup(func() {
		_ = g.Remove(ctx, "near")
		_ = g.Remove(ctx, "bare")
		_ = g.Client().Del(ctx, g.key).Err()
	})

	if err := g.Upsert(ctx, "near", models.Coord{Lat: 9.031, Lng: 38.741}); err != nil {
		t.Fatal(err)
	}
	if err := g.Upsert(ctx, "bare", models.Coord{Lat: 9.032, Lng: 38.742}); err != nil {
		t.Fatal(err)
	}
	// a member whose metadata is gone still comes back, undated
	if err := g.Client().Del(ctx, metaKey("bare")).Err(); err != nil {
		t.Fatal(err)
	}

	got, err := g.Within(ctx, models.Coord{Lat: 9.03, Lng: 38.74}, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "near" {
		t.Fatalf("unexpected result %+v", got)
	}
	if got[0].Updated.IsZero() {
		t.Fatalf("expected a timestamp for near")
	}
	if !got[1].Updated.IsZero() {
		t.Fatalf("expected no timestamp for bare, got %v", got[1].Updated)
	}
}
