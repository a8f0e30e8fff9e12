package handlers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"factory-routing/internal/event"
	"factory-routing/internal/metrics"
	"factory-routing/internal/persistence"
	"factory-routing/internal/types"
	"factory-routing/internal/web"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegisterEventHandlers(t *testing.T) {
	bus := event.NewBus()
	tracker := web.NewStateTracker(web.NewHub(zap.NewNop()))
	journal, err := persistence.OpenJournal(filepath.Join(t.TempDir(), "journal.jsonl"))
	require.NoError(t, err)
	defer journal.Close()

	RegisterEventHandlers(bus, Sinks{Tracker: tracker, Journal: journal}, zap.NewNop())

	before := testutil.ToFloat64(metrics.StepTransitionsTotal.WithLabelValues("start"))
	merged := testutil.ToFloat64(metrics.ReworkOrdersTotal.WithLabelValues("merged"))

	bus.Publish(event.Event{Type: event.OrderCreated, OrderNo: "T-1", Priority: 3})
	bus.Drain()
	bus.Publish(event.Event{Type: event.StepStarted, OrderNo: "T-1", StationID: "QC", StepOrder: 2, Actor: "alice"})
	bus.Drain()
	bus.Publish(event.Event{Type: event.ReworkMerged, OrderNo: "T-1", ChildOrderNo: "T-1-RW000001", Quantity: 10})
	bus.Drain()

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.StepTransitionsTotal.WithLabelValues("start")))
	assert.Equal(t, merged+1, testutil.ToFloat64(metrics.ReworkOrdersTotal.WithLabelValues("merged")))

	snap := tracker.GetStateSnapshot()
	o := snap.Orders["T-1"]
	assert.Equal(t, 3, o.Priority)
	assert.Equal(t, types.StationID("QC"), o.Station)
	require.NotNil(t, o.PassQuantity)
	assert.Equal(t, 10, *o.PassQuantity)
	assert.Equal(t, string(types.OrderFinished), snap.Orders["T-1-RW000001"].Status)

	history, err := journal.History("T-1")
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestRedisPublisher(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis test")
	}
	ctx := context.Background()
	pub := NewRedisPublisher(addr, "", 0, "routing.test", zap.NewNop())
	defer pub.Close()
	require.NoError(t, pub.Ping(ctx))

	sub := redis.NewClient(&redis.Options{Addr: addr})
	defer sub.Close()
	ps := sub.Subscribe(ctx, "routing.test")
	defer ps.Close()
	_, err := ps.Receive(ctx)
	require.NoError(t, err)

	pub.Publish(event.Event{Type: event.StepCompleted, OrderNo: "T-1"})

	select {
	case msg := <-ps.Channel():
		var e event.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &e))
		assert.Equal(t, event.StepCompleted, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
