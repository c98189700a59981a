package taskhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Redis 键
const (
	instanceKeyPrefix = "durable:instance:"
	instanceIndexKey  = "durable:instances"
)

// maxCreateRetries 是 Create 在乐观锁冲突时的最大重试次数。
const maxCreateRetries = 3

// RedisStore 把实例以 JSON 保存在 Redis 中，并用一个集合索引所有实例 ID。
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore 创建 Redis 存储。
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client}
}

func instanceKey(id string) string {
	return instanceKeyPrefix + id
}

// Create 实现 InstanceStore，通过 WATCH 保证检查和写入的原子性。
func (s *RedisStore) Create(ctx context.Context, inst *domain.OrchestrationInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode instance: %w", err)
	}
	key := instanceKey(inst.InstanceID)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var existing domain.OrchestrationInstance
			if err := json.Unmarshal(raw, &existing); err == nil && !existing.Status.IsTerminal() {
				return domain.ErrInstanceExists
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, instanceIndexKey, inst.InstanceID)
			return nil
		})
		return err
	}

	for i := 0; i < maxCreateRetries; i++ {
		err = s.redis.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("failed to create instance %s: %w", inst.InstanceID, err)
}

// Save 实现 InstanceStore。
func (s *RedisStore) Save(ctx context.Context, inst *domain.OrchestrationInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode instance: %w", err)
	}
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, instanceKey(inst.InstanceID), data, 0)
	pipe.SAdd(ctx, instanceIndexKey, inst.InstanceID)
	_, err = pipe.Exec(ctx)
	return err
}

// Get 实现 InstanceStore。
func (s *RedisStore) Get(ctx context.Context, instanceID string) (*domain.OrchestrationInstance, error) {
	raw, err := s.redis.Get(ctx, instanceKey(instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	var inst domain.OrchestrationInstance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, fmt.Errorf("failed to decode instance %s: %w", instanceID, err)
	}
	return &inst, nil
}

// Delete 实现 InstanceStore。
func (s *RedisStore) Delete(ctx context.Context, instanceID string) error {
	pipe := s.redis.TxPipeline()
	del := pipe.Del(ctx, instanceKey(instanceID))
	pipe.SRem(ctx, instanceIndexKey, instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return domain.ErrInstanceNotFound
	}
	return nil
}

// List 实现 InstanceStore。索引中已失效的 ID 会被顺带清理。
func (s *RedisStore) List(ctx context.Context) ([]*domain.OrchestrationInstance, error) {
	ids, err := s.redis.SMembers(ctx, instanceIndexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = instanceKey(id)
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*domain.OrchestrationInstance, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var inst domain.OrchestrationInstance
		if err := json.Unmarshal([]byte(raw), &inst); err != nil {
			continue
		}
		out = append(out, &inst)
	}
	if len(stale) > 0 {
		s.redis.SRem(ctx, instanceIndexKey, stale...)
	}
	sortByCreated(out)
	return out, nil
}
