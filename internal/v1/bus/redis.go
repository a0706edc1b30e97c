// Package bus bridges realtime events between workers over Redis pub/sub.
// A nil *Service degrades to single-worker mode: every method is a no-op.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/echochat/backend/go/internal/v1/logging"
	"github.com/echochat/backend/go/internal/v1/metrics"
	"github.com/echochat/backend/go/internal/v1/types"
)

// Channel schema:
//   chat:room:{room} - room broadcasts
//   chat:user:{user} - per-user fan-out (DMs, notifications, forced logout)
//   chat:online      - distributed online-user set
const (
	roomChannelPrefix = "chat:room:"
	userChannelPrefix = "chat:user:"
	onlineSetKey      = "chat:online"
)

// Service implements types.Bridge over Redis. Delivery is at-least-once
// with per-channel FIFO ordering; receivers drop their own echoes by Origin.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	origin string
}

// NewService connects to Redis and verifies the connection immediately.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(ctx, "connected to Redis pub/sub", zap.String("addr", addr))
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
		origin: uuid.NewString(),
	}, nil
}

// Origin identifies this worker on the bridge.
func (s *Service) Origin() string {
	if s == nil {
		return ""
	}
	return s.origin
}

func (s *Service) publish(ctx context.Context, channel string, msg types.BridgePayload) error {
	if s == nil || s.client == nil {
		return nil // single-worker mode
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bridge envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit breaker open: dropping publish", zap.String("channel", channel))
			return nil // graceful degradation: local delivery already happened
		}
		logging.Error(ctx, "redis publish failed", zap.String("channel", channel), zap.Error(err))
		return err
	}
	return nil
}

// Publish broadcasts a room event to every other worker.
func (s *Service) Publish(ctx context.Context, room types.RoomName, event types.Event, payload any) error {
	if s == nil || s.client == nil {
		return nil
	}
	inner, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal inner payload: %w", err)
	}
	return s.publish(ctx, roomChannelPrefix+string(room), types.BridgePayload{
		Room:    room,
		Event:   event,
		Payload: inner,
		Origin:  s.origin,
	})
}

// PublishUser sends a user-targeted event to every other worker.
func (s *Service) PublishUser(ctx context.Context, user types.UserID, event types.Event, payload any) error {
	if s == nil || s.client == nil {
		return nil
	}
	inner, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal inner payload: %w", err)
	}
	return s.publish(ctx, userChannelPrefix+string(user), types.BridgePayload{
		User:    user,
		Event:   event,
		Payload: inner,
		Origin:  s.origin,
	})
}

// Subscribe starts a background listener for a room channel. Messages
// published by this worker are dropped before the handler runs.
func (s *Service) Subscribe(ctx context.Context, room types.RoomName, handler func(types.BridgePayload)) {
	s.listen(ctx, roomChannelPrefix+string(room), handler)
}

// SubscribeUser starts a background listener for a user channel.
func (s *Service) SubscribeUser(ctx context.Context, user types.UserID, handler func(types.BridgePayload)) {
	s.listen(ctx, userChannelPrefix+string(user), handler)
}

func (s *Service) listen(ctx context.Context, channel string, handler func(types.BridgePayload)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, channel)

	go func() {
		defer pubsub.Close()

		logging.Debug(ctx, "subscribed to redis channel", zap.String("channel", channel))
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "redis subscription channel closed", zap.String("channel", channel))
					return
				}

				var payload types.BridgePayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					logging.Error(ctx, "failed to unmarshal bridge message", zap.Error(err))
					continue
				}
				if payload.Origin == s.origin {
					continue // our own echo
				}
				handler(payload)
			}
		}
	}()
}

// Ping checks Redis connectivity for health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Client exposes the underlying connection for subsystems that share it,
// such as the rate limiter store.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// IsOnline reports whether any worker currently holds a connection for the
// user. Degrades to false when the breaker is open.
func (s *Service) IsOnline(ctx context.Context, user types.UserID) bool {
	if s == nil || s.client == nil {
		return false
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SIsMember(ctx, onlineSetKey, string(user)).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return false
	}
	return res.(bool)
}

// MarkOnline adds a user to the distributed online set, so workers can
// answer presence queries for users connected elsewhere.
func (s *Service) MarkOnline(ctx context.Context, user types.UserID) error {
	return s.setOp(ctx, func() error { return s.client.SAdd(ctx, onlineSetKey, string(user)).Err() }, "MarkOnline")
}

// MarkOffline removes a user from the distributed online set.
func (s *Service) MarkOffline(ctx context.Context, user types.UserID) error {
	return s.setOp(ctx, func() error { return s.client.SRem(ctx, onlineSetKey, string(user)).Err() }, "MarkOffline")
}

// OnlineUsers snapshots the distributed online set.
func (s *Service) OnlineUsers(ctx context.Context) ([]types.UserID, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, onlineSetKey).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil, nil // degrade to local-only view
		}
		return nil, fmt.Errorf("failed to get online set: %w", err)
	}
	members := res.([]string)
	out := make([]types.UserID, len(members))
	for i, m := range members {
		out[i] = types.UserID(m)
	}
	return out, nil
}

func (s *Service) setOp(ctx context.Context, op func() error, name string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) { return nil, op() })
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit breaker open: skipping set op", zap.String("op", name))
			return nil
		}
		logging.Error(ctx, "redis set op failed", zap.String("op", name), zap.Error(err))
		return err
	}
	return nil
}
