package bus

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// redisClient adapts a go-redis client to the narrow bus surface.
type redisClient struct {
	c *redis.Client
}

// NewRedisFactory builds bus clients against a single-node backplane.
// password is fetched per build so a rebuild picks up refreshed
// credentials.
func NewRedisFactory(addr, username string, password func(ctx context.Context) (string, error)) ClientFactory {
	return func(ctx context.Context) (Client, error) {
		pw := ""
		if password != nil {
			fetched, err := password(ctx)
			if err != nil {
				return nil, err
			}
			pw = fetched
		}
		return &redisClient{c: redis.NewClient(&redis.Options{
			Addr:     addr,
			Username: username,
			Password: pw,
		})}, nil
	}
}

func (r *redisClient) Publish(ctx context.Context, channel string, message interface{}) error {
	return r.c.Publish(ctx, channel, message).Err()
}

func (r *redisClient) Subscribe(ctx context.Context, pattern string) (Receiver, error) {
	ps := r.c.PSubscribe(ctx, pattern)
	// Force the subscription onto the wire so auth failures surface
	// here instead of on the first receive.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return ps, nil
}

func (r *redisClient) Close() error {
	return r.c.Close()
}
