package economy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNoAccount means the economy has no balance for the entity. Callers keep
// the last stored value.
var ErrNoAccount = errors.New("no economy account")

// Economy is the read-only balance collaborator. A nil Economy is a normal
// configuration.
type Economy interface {
	Balance(ctx context.Context, id uuid.UUID) (float64, error)
}

// RedisEconomy reads balances kept by the economy service as plain float
// strings under prefix+uuid
type RedisEconomy struct {
	client *redis.Client
	prefix string
}

// NewRedisEconomy creates a RedisEconomy instance
func NewRedisEconomy(client *redis.Client, prefix string) *RedisEconomy {
	return &RedisEconomy{
		client: client,
		prefix: prefix,
	}
}

// Balance returns the current balance for id
func (e *RedisEconomy) Balance(ctx context.Context, id uuid.UUID) (float64, error) {
	balance, err := e.client.Get(ctx, e.key(id)).Float64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrNoAccount
		}
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

func (e *RedisEconomy) key(id uuid.UUID) string {
	return e.prefix + id.String()
}
