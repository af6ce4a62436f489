package push

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yvesdamsh/damcash2/internal/obslog"
)

func topic(sessionID string) string { return "game:events:" + strings.TrimSpace(sessionID) }

// Broadcaster fans envelopes out to every subscriber of a session topic.
type Broadcaster interface {
	Publish(ctx context.Context, sessionID string, e Envelope) error
}

// RedisBroadcaster publishes over redis pub/sub.
type RedisBroadcaster struct {
	rdb *redis.Client
}

func NewRedisBroadcaster(rdb *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{rdb: rdb}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, sessionID string, e Envelope) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, topic(sessionID), raw).Err(); err != nil {
		return err
	}
	obslog.L().Debug("push_publish",
		zap.String("session_id", sessionID),
		zap.String("type", e.Type),
	)
	return nil
}

// Subscriber delivers a session's envelopes until Close.
type Subscriber struct {
	pubsub *redis.PubSub
	out    chan Envelope
	done   chan struct{}
}

// NewSubscriber subscribes to the session topic and starts decoding.
func NewSubscriber(ctx context.Context, rdb *redis.Client, sessionID string) *Subscriber {
	ps := rdb.Subscribe(ctx, topic(sessionID))
	s := &Subscriber{
		pubsub: ps,
		out:    make(chan Envelope, 16),
		done:   make(chan struct{}),
	}
	go s.loop(sessionID)
	return s
}

func (s *Subscriber) loop(sessionID string) {
	defer close(s.out)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var e Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				obslog.L().Warn("push_decode_error",
					zap.String("session_id", sessionID),
					zap.Error(err),
				)
				continue
			}
			select {
			case s.out <- e:
			default:
				// slow consumer: drop; the poll fallback reconverges
			}
		}
	}
}

// Events is closed after Close.
func (s *Subscriber) Events() <-chan Envelope { return s.out }

func (s *Subscriber) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.pubsub.Close()
}
