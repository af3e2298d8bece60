package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/shopflow/framework/core"
)

// RedisStoreConfig конфигурация хранилища корзин в Redis
type RedisStoreConfig struct {
	// KeyPrefix префикс ключей: <prefix>:cart:<id> и <prefix>:cart-owner:<owner key>
	KeyPrefix string
	// TTL время жизни брошенной корзины (0 = без ограничений)
	TTL time.Duration
}

// DefaultRedisStoreConfig возвращает конфигурацию по умолчанию
func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		KeyPrefix: "shopflow",
		TTL:       30 * 24 * time.Hour,
	}
}

// RedisStore Store поверх Redis.
// Корзина хранится JSON документом, владелец ссылается на нее отдельным ключом.
// Save и Delete выполняются в WATCH/MULTI транзакции.
type RedisStore struct {
	client redis.UniversalClient
	config RedisStoreConfig
}

// NewRedisStore создает хранилище
func NewRedisStore(client redis.UniversalClient, config RedisStoreConfig) *RedisStore {
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultRedisStoreConfig().KeyPrefix
	}
	return &RedisStore{client: client, config: config}
}

func (s *RedisStore) cartKey(id string) string {
	return s.config.KeyPrefix + ":cart:" + id
}

func (s *RedisStore) ownerKey(ownerKey string) string {
	return s.config.KeyPrefix + ":cart-owner:" + ownerKey
}

func decodeCart(data []byte) (*Cart, error) {
	var c Cart
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode cart: %w", err)
	}
	return &c, nil
}

// GetByOwner реализует Store
func (s *RedisStore) GetByOwner(ctx context.Context, ownerKey string) (core.Option[*Cart], error) {
	id, err := s.client.Get(ctx, s.ownerKey(ownerKey)).Result()
	if errors.Is(err, redis.Nil) {
		return core.None[*Cart](), nil
	}
	if err != nil {
		return core.None[*Cart](), core.Transient(err, "failed to read cart owner index")
	}

	data, err := s.client.Get(ctx, s.cartKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// индекс пережил корзину (TTL или прерванное удаление)
		return core.None[*Cart](), nil
	}
	if err != nil {
		return core.None[*Cart](), core.Transient(err, "failed to read cart "+id)
	}

	c, err := decodeCart(data)
	if err != nil {
		return core.None[*Cart](), err
	}
	return core.Some(c), nil
}

// Save реализует Store
func (s *RedisStore) Save(ctx context.Context, cart *Cart) error {
	if err := cart.Owner.Validate(); err != nil {
		return err
	}

	next := cart.Clone()
	next.Version = cart.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode cart: %w", err)
	}

	cartKey := s.cartKey(cart.ID)
	ownerKey := s.ownerKey(cart.Owner.Key())

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		raw, err := tx.Get(ctx, cartKey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return core.Transient(err, "failed to read cart "+cart.ID)
		default:
			stored, err := decodeCart(raw)
			if err != nil {
				return err
			}
			current = stored.Version
		}
		if current != cart.Version {
			return core.NewError(core.ErrConcurrencyConflict,
				fmt.Sprintf("cart %s: expected version %d, current %d", cart.ID, cart.Version, current))
		}

		owner, err := tx.Get(ctx, ownerKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return core.Transient(err, "failed to read cart owner index")
		}
		if owner != "" && owner != cart.ID {
			exists, err := tx.Exists(ctx, s.cartKey(owner)).Result()
			if err != nil {
				return core.Transient(err, "failed to check cart "+owner)
			}
			if exists > 0 {
				return core.NewError(core.ErrAlreadyExists,
					fmt.Sprintf("owner %s already has cart %s", cart.Owner.Key(), owner))
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, cartKey, data, s.config.TTL)
			pipe.Set(ctx, ownerKey, cart.ID, s.config.TTL)
			return nil
		})
		return err
	}, cartKey, ownerKey)

	if errors.Is(err, redis.TxFailedErr) {
		return core.Wrap(err, core.ErrConcurrencyConflict, "cart "+cart.ID+" was modified concurrently")
	}
	if err != nil {
		if core.CodeOf(err) != "" {
			return err
		}
		return core.Transient(err, "failed to save cart "+cart.ID)
	}

	cart.Version = next.Version
	return nil
}

// Delete реализует Store
func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	cartKey := s.cartKey(id)
	deleted := false

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, cartKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return core.Transient(err, "failed to read cart "+id)
		}
		stored, err := decodeCart(raw)
		if err != nil {
			return err
		}
		ownerKey := s.ownerKey(stored.Owner.Key())

		owner, err := tx.Get(ctx, ownerKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return core.Transient(err, "failed to read cart owner index")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, cartKey)
			if owner == id {
				pipe.Del(ctx, ownerKey)
			}
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}, cartKey)

	if errors.Is(err, redis.TxFailedErr) {
		return false, core.Wrap(err, core.ErrConcurrencyConflict, "cart "+id+" was modified concurrently")
	}
	if err != nil {
		if core.CodeOf(err) != "" {
			return false, err
		}
		return false, core.Transient(err, "failed to delete cart "+id)
	}
	return deleted, nil
}

// HealthCheck пингует Redis
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
