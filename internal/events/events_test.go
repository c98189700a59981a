package events

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeForStatus(t *testing.T) {
	assert.Equal(t, TypeFailed, TypeForStatus(domain.InstanceStatusFailed))
	assert.Equal(t, TypeCompleted, TypeForStatus(domain.InstanceStatusCompleted))
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), TypeScheduled, &domain.OrchestrationInstance{InstanceID: "a"}))
	assert.NoError(t, p.Close())
}

type recordingRaiser struct {
	mu   sync.Mutex
	msgs []RaiseEventMessage
}

func (r *recordingRaiser) RaiseEvent(_ context.Context, id, name string, data json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, RaiseEventMessage{InstanceID: id, EventName: name, Data: data})
	return nil
}

func (r *recordingRaiser) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

// natsURL 返回测试用的 NATS 地址，未设置 NIMBUS_DURABLE_TEST_NATS 时跳过。
func natsURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NIMBUS_DURABLE_TEST_NATS")
	if url == "" {
		t.Skip("NIMBUS_DURABLE_TEST_NATS not set")
	}
	return url
}

func TestEventBus_PublishAndRelay(t *testing.T) {
	url := natsURL(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	bus, err := NewEventBus(url, "test", logger)
	require.NoError(t, err)
	defer bus.Close()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()
	sub, err := nc.SubscribeSync(TypeCompleted)
	require.NoError(t, err)

	inst := &domain.OrchestrationInstance{InstanceID: "evt-1", Name: "Hello", Status: domain.InstanceStatusCompleted}
	require.NoError(t, bus.Publish(context.Background(), TypeCompleted, inst))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var event Event
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, TypeCompleted, event.Type)
	assert.Equal(t, "evt-1", event.InstanceID)
	assert.Equal(t, "test", event.Source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	raiser := &recordingRaiser{}
	require.NoError(t, bus.RelayRaiseEvents(ctx, "events-test-"+strconv.FormatInt(time.Now().UnixNano(), 10), raiser))
	require.NoError(t, bus.PublishRaiseEvent(context.Background(), &RaiseEventMessage{
		InstanceID: "evt-1",
		EventName:  "Approval",
		Data:       json.RawMessage(`true`),
	}))
	assert.Eventually(t, func() bool { return raiser.count() >= 1 }, 5*time.Second, 20*time.Millisecond)
}
