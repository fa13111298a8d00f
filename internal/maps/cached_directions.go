package maps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"driveup/internal/types"
)

// CachedDirections memoizes another Provider in Redis. Cache failures fall
// through to the wrapped provider.
type CachedDirections struct {
	next   Provider
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedDirections(next Provider, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedDirections {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedDirections{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func (c *CachedDirections) GetDirections(ctx context.Context, origin, dest types.Point) (Directions, error) {
	key := cacheKey(origin, dest)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var d Directions
		if jerr := json.Unmarshal(raw, &d); jerr == nil {
			return d, nil
		}
	case !errors.Is(err, redis.Nil):
		c.logger.WarnContext(ctx, "directions cache read failed", "error", err)
	}

	d, err := c.next.GetDirections(ctx, origin, dest)
	if err != nil {
		return Directions{}, err
	}

	if buf, jerr := json.Marshal(d); jerr == nil {
		if err := c.rdb.Set(ctx, key, buf, c.ttl).Err(); err != nil {
			c.logger.WarnContext(ctx, "directions cache write failed", "error", err)
		}
	}
	return d, nil
}

// Coordinates are rounded to ~1m so nearby lookups share an entry.
func cacheKey(origin, dest types.Point) string {
	return fmt.Sprintf("directions:%.5f,%.5f:%.5f,%.5f", origin.Lat, origin.Lng, dest.Lat, dest.Lng)
}
