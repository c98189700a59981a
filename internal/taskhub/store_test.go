package taskhub

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInstance(id string, status domain.InstanceStatus, created time.Time) *domain.OrchestrationInstance {
	return &domain.OrchestrationInstance{
		InstanceID:    id,
		Name:          "Hello",
		Status:        status,
		CreatedAt:     created,
		LastUpdatedAt: created,
	}
}

// exerciseStore 是所有 InstanceStore 实现共享的行为测试。
func exerciseStore(t *testing.T, store InstanceStore) {
	ctx := context.Background()
	prefix := uuid.New().String()
	base := time.Now().UTC().Truncate(time.Millisecond)
	a := testInstance(prefix+"-a", domain.InstanceStatusPending, base)
	b := testInstance(prefix+"-b", domain.InstanceStatusCompleted, base.Add(time.Second))

	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))
	assert.ErrorIs(t, store.Create(ctx, a), domain.ErrInstanceExists)

	// 已结束的实例可以用同一个 ID 重新创建
	again := testInstance(b.InstanceID, domain.InstanceStatusPending, base.Add(2*time.Second))
	require.NoError(t, store.Create(ctx, again))

	got, err := store.Get(ctx, a.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusPending, got.Status)
	got.Status = domain.InstanceStatusRunning
	unchanged, err := store.Get(ctx, a.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusPending, unchanged.Status)

	got.Output = []byte(`"done"`)
	require.NoError(t, store.Save(ctx, got))
	saved, err := store.Get(ctx, a.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusRunning, saved.Status)
	assert.JSONEq(t, `"done"`, string(saved.Output))

	list, err := store.List(ctx)
	require.NoError(t, err)
	var ids []string
	for _, inst := range list {
		if inst.InstanceID == a.InstanceID || inst.InstanceID == b.InstanceID {
			ids = append(ids, inst.InstanceID)
		}
	}
	assert.Equal(t, []string{a.InstanceID, b.InstanceID}, ids)

	require.NoError(t, store.Delete(ctx, a.InstanceID))
	require.NoError(t, store.Delete(ctx, b.InstanceID))
	assert.ErrorIs(t, store.Delete(ctx, a.InstanceID), domain.ErrInstanceNotFound)
	_, err = store.Get(ctx, a.InstanceID)
	assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("NIMBUS_DURABLE_TEST_REDIS")
	if addr == "" {
		t.Skip("NIMBUS_DURABLE_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(context.Background()).Err())

	exerciseStore(t, NewRedisStore(client))
}
