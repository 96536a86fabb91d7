package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const onlineSetKey = "presence:online"

// Store tracks which users currently hold a live socket connection.
// The socket layer marks users on connect/disconnect; the in-app
// delivery adapter only reads.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client, ttl: 5 * time.Minute}
}

func (s *Store) IsConnected(ctx context.Context, userID int64) (bool, error) {
	return s.client.SIsMember(ctx, onlineSetKey, strconv.FormatInt(userID, 10)).Result()
}

func (s *Store) MarkConnected(ctx context.Context, userID int64) error {
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, onlineSetKey, strconv.FormatInt(userID, 10))
	pipe.Expire(ctx, onlineSetKey, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) MarkDisconnected(ctx context.Context, userID int64) error {
	return s.client.SRem(ctx, onlineSetKey, strconv.FormatInt(userID, 10)).Err()
}
