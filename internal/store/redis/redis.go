// Package redis implements the distributed store backends on top of Redis.
// Several runner processes can share one Redis instance.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Connect parses a redis:// URL, creates a client and verifies the connection.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}

	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connect error: %w", err)
	}
	return rdb, nil
}

// Keys builds the key names used by the Redis backends.
type Keys struct {
	Prefix string
}

func (k Keys) Job(id string) string { return k.Prefix + "job:" + id }
func (k Keys) LogList(id string) string { return k.Prefix + "log:list:" + id }
func (k Keys) LogComplete(id string) string { return k.Prefix + "log:complete:" + id }
func (k Keys) LogChannel(id string) string { return k.Prefix + "log:channel:" + id }
func (k Keys) Queue(name string) string { return k.Prefix + name }
