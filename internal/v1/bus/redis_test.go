package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echochat/backend/go/internal/v1/types"
)

func testPair(t *testing.T) (*Service, *Service) {
	t.Helper()
	mr := miniredis.RunT(t)

	a, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	b, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	return a, b
}

func TestPublishSubscribe_RoomRoundtrip(t *testing.T) {
	a, b := testPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan types.BridgePayload, 1)
	b.Subscribe(ctx, "General", func(p types.BridgePayload) {
		received <- p
	})
	time.Sleep(50 * time.Millisecond) // let the subscription attach

	require.NoError(t, a.Publish(ctx, "General", types.EventChatMessage, map[string]string{"text": "hello"}))

	select {
	case p := <-received:
		assert.Equal(t, types.RoomName("General"), p.Room)
		assert.Equal(t, types.EventChatMessage, p.Event)
		var body map[string]string
		require.NoError(t, json.Unmarshal(p.Payload, &body))
		assert.Equal(t, "hello", body["text"])
		assert.Equal(t, a.Origin(), p.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bridged message")
	}
}

func TestSubscribe_DropsOwnEcho(t *testing.T) {
	a, _ := testPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan types.BridgePayload, 1)
	a.Subscribe(ctx, "General", func(p types.BridgePayload) {
		received <- p
	})
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, a.Publish(ctx, "General", types.EventChatMessage, map[string]string{"text": "self"}))

	select {
	case <-received:
		t.Fatal("worker must not receive its own publishes")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPublishUser_TargetsUserChannel(t *testing.T) {
	a, b := testPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan types.BridgePayload, 1)
	b.SubscribeUser(ctx, "alice", func(p types.BridgePayload) {
		received <- p
	})
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, a.PublishUser(ctx, "alice", types.EventPrivateMessage, map[string]string{"from": "bob"}))

	select {
	case p := <-received:
		assert.Equal(t, types.UserID("alice"), p.User)
		assert.Equal(t, types.EventPrivateMessage, p.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for user-channel message")
	}
}

func TestOnlineSet(t *testing.T) {
	a, b := testPair(t)
	ctx := context.Background()

	require.NoError(t, a.MarkOnline(ctx, "alice"))
	require.NoError(t, b.MarkOnline(ctx, "bob"))

	online, err := a.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.UserID{"alice", "bob"}, online)

	require.NoError(t, a.MarkOffline(ctx, "alice"))
	online, err = b.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.UserID{"bob"}, online)
}

func TestNilService_Degrades(t *testing.T) {
	var s *Service
	ctx := context.Background()

	assert.NoError(t, s.Publish(ctx, "General", types.EventChatMessage, nil))
	assert.NoError(t, s.PublishUser(ctx, "alice", types.EventPrivateMessage, nil))
	assert.NoError(t, s.Ping(ctx))
	assert.NoError(t, s.Close())
	assert.NoError(t, s.MarkOnline(ctx, "alice"))
	s.Subscribe(ctx, "General", func(types.BridgePayload) { t.Fatal("must not fire") })
}
