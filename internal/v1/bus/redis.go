// Package bus replicates room broadcasts across signaling instances over
// Redis pub/sub. A single instance runs fine without it; the bridge treats a
// nil bus as local-only mode.
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

	"github.com/meetmesh/signaling/internal/v1/logging"
	"github.com/meetmesh/signaling/internal/v1/metrics"
	"github.com/meetmesh/signaling/internal/v1/types"
)

// channelPattern matches every room broadcast channel.
const channelPattern = "signaling:room:*"

func roomChannel(room types.RoomName) string {
	return fmt.Sprintf("signaling:room:%s", room)
}

// broadcastEnvelope is the wire format between instances. Origin identifies
// the publishing instance so subscribers can drop their own messages; Exclude
// carries the sender exclusion through to remote delivery.
type broadcastEnvelope struct {
	Room    types.RoomName  `json:"room"`
	Payload json.RawMessage `json:"payload"`
	Exclude types.ClientID  `json:"exclude,omitempty"`
	Origin  string          `json:"origin"`
}

// Service publishes and consumes room broadcasts on Redis. All publish paths
// run through a circuit breaker; when the breaker is open, messages are
// dropped rather than stalling the signaling path.
type Service struct {
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker
	instanceID string
}

// NewService connects to Redis and verifies the connection before returning.
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
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
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

	logging.Info(context.Background(), "connected to redis pub/sub", zap.String("addr", addr))
	return &Service{
		client:     rdb,
		cb:         gobreaker.NewCircuitBreaker(st),
		instanceID: uuid.NewString(),
	}, nil
}

// Client exposes the underlying Redis client for components that share the
// connection, like the rate limiter store.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// InstanceID identifies this process on the bus.
func (s *Service) InstanceID() string {
	if s == nil {
		return ""
	}
	return s.instanceID
}

// PublishBroadcast republishes a room broadcast for the other instances. A
// nil service is a no-op so callers never need to special-case local-only
// deployments.
func (s *Service) PublishBroadcast(ctx context.Context, room types.RoomName, payload []byte, exclude types.ClientID) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(broadcastEnvelope{
			Room:    room,
			Payload: payload,
			Exclude: exclude,
			Origin:  s.instanceID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bus envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, roomChannel(room), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit breaker open, dropping broadcast",
				zap.String("room", string(room)))
			return nil
		}
		logging.Error(ctx, "redis publish failed",
			zap.String("room", string(room)),
			zap.Error(err))
		return err
	}
	return nil
}

// Subscribe listens for broadcasts from other instances on every room channel
// and hands them to the handler. Messages published by this instance are
// dropped. The goroutine exits when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, handler func(room types.RoomName, payload []byte, exclude types.ClientID)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.PSubscribe(ctx, channelPattern)

	go func() {
		defer pubsub.Close()

		logging.Info(ctx, "subscribed to bus channels", zap.String("pattern", channelPattern))
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(context.Background(), "bus subscription channel closed")
					return
				}

				var env broadcastEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logging.Error(context.Background(), "failed to unmarshal bus message",
						zap.Error(err))
					continue
				}
				if env.Origin == s.instanceID {
					continue // our own publish coming back around
				}
				handler(env.Room, env.Payload, env.Exclude)
			}
		}
	}()
}

// Ping verifies Redis connectivity, for health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return err
}

// Close shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
