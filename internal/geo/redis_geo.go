package geo

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Locator using Redis GEO commands so several server
// instances share one view of the fleet.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisGeoFromClient(c, key)
}

func NewRedisGeoFromClient(c *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Client() *redis.Client { return r.client }

func (r *RedisGeo) Upsert(ctx context.Context, id string, c models.Coord) error {
	if !Valid(c) {
		return ErrNonFinite
	}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lng, Latitude: c.Lat, Name: id})
	pipe.HSet(ctx, metaKey(id), "updated", time.Now().UTC().Format(time.RFC3339Nano))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Remove(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, id)
	pipe.Del(ctx, metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Get(ctx context.Context, id string) (Position, bool, error) {
	res, err := r.client.GeoPos(ctx, r.key, id).Result()
	if err != nil {
		return Position{}, false, err
	}
	if len(res) == 0 || res[0] == nil {
		return Position{}, false, nil
	}
	p := Position{ID: id, Coord: models.Coord{Lat: res[0].Latitude, Lng: res[0].Longitude}}
	p.Updated = r.updatedAt(ctx, id)
	return p, true, nil
}

func (r *RedisGeo) Within(ctx context.Context, c models.Coord, radiusM float64) ([]Position, error) {
	if !Valid(c) {
		return nil, ErrNonFinite
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  c.Lng,
			Latitude:   c.Lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	// one round trip for every member's timestamp
	pipe := r.client.Pipeline()
	stamps := make([]*redis.StringCmd, len(res))
	for i, g := range res {
		stamps[i] = pipe.HGet(ctx, metaKey(g.Name), "updated")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]Position, 0, len(res))
	for i, g := range res {
		out = append(out, Position{
			ID:       g.Name,
			Coord:    models.Coord{Lat: g.Latitude, Lng: g.Longitude},
			Distance: g.Dist,
			Updated:  parseUpdated(stamps[i].Val()),
		})
	}
	return out, nil
}

func (r *RedisGeo) updatedAt(ctx context.Context, id string) time.Time {
	v, err := r.client.HGet(ctx, metaKey(id), "updated").Result()
	if err != nil {
		return time.Time{}
	}
	return parseUpdated(v)
}

func parseUpdated(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t
	}
	if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(sec, 0)
	}
	return time.Time{}
}

func metaKey(id string) string { return "driver:meta:" + id }
