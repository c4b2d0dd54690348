package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/raushankrgupta/fitly-tryon/models"
)

// ConnectRedis opens and pings a Redis client.
func ConnectRedis(ctx context.Context, addr string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// RedisPersister stores the session as JSON at fitly:session:{owner}.
type RedisPersister struct {
	rdb goredis.Cmdable
	key string
}

func NewRedisPersister(rdb goredis.Cmdable, ownerID string) *RedisPersister {
	return &RedisPersister{rdb: rdb, key: SessionKey(ownerID)}
}

func SessionKey(ownerID string) string {
	return "fitly:session:" + ownerID
}

func (p *RedisPersister) Load(ctx context.Context) (*models.Snapshot, error) {
	raw, err := p.rdb.Get(ctx, p.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", p.key, err)
	}
	var snap models.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", p.key, err)
	}
	return &snap, nil
}

func (p *RedisPersister) Save(ctx context.Context, snap *models.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return p.rdb.Set(ctx, p.key, raw, 0).Err()
}
