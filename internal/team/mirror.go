package team

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "nuka:team:"

// StreamKey is the Redis stream a team's events are mirrored to.
func StreamKey(teamID string) string { return streamPrefix + teamID }

// RedisMirror copies team events into Redis Streams for observers outside
// the process.
type RedisMirror struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewRedisMirror connects to redisURL and checks the connection.
func NewRedisMirror(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisMirror{rdb: rdb, maxLen: 10000, logger: logger}, nil
}

// RecordTeamEvent appends ev to its team's stream.
func (m *RedisMirror) RecordTeamEvent(ctx context.Context, seq int, ev Event) error {
	env, err := EncodeEvent(seq, ev)
	if err != nil {
		return err
	}
	stream := StreamKey(ev.Team())
	_, err = m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":  strconv.Itoa(seq),
			"type": string(env.Type),
			"data": string(env.Data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	m.logger.Debug("mirrored team event", zap.String("stream", stream), zap.Int("seq", seq))
	return nil
}

// Range reads every mirrored event of a team, oldest first.
func (m *RedisMirror) Range(ctx context.Context, teamID string) ([]Envelope, error) {
	msgs, err := m.rdb.XRange(ctx, StreamKey(teamID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange: %w", err)
	}
	out := make([]Envelope, 0, len(msgs))
	for _, msg := range msgs {
		env, ok := envelopeFrom(teamID, msg.Values)
		if ok {
			out = append(out, env)
		}
	}
	return out, nil
}

// Tail streams events appended to a team's stream after the call. Cancel
// ctx to stop.
func (m *RedisMirror) Tail(ctx context.Context, teamID string) <-chan Envelope {
	ch := make(chan Envelope, 16)
	stream := StreamKey(teamID)
	go func() {
		defer close(ch)
		lastID := "$"
		for {
			if ctx.Err() != nil {
				return
			}
			res, err := m.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					m.logger.Debug("xread failed", zap.String("stream", stream), zap.Error(err))
					select {
					case <-time.After(500 * time.Millisecond):
					case <-ctx.Done():
						return
					}
				}
				continue
			}
			for _, r := range res {
				for _, msg := range r.Messages {
					lastID = msg.ID
					env, ok := envelopeFrom(teamID, msg.Values)
					if !ok {
						continue
					}
					select {
					case ch <- env:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch
}

func envelopeFrom(teamID string, values map[string]interface{}) (Envelope, bool) {
	data, _ := values["data"].(string)
	typ, _ := values["type"].(string)
	seqStr, _ := values["seq"].(string)
	if data == "" || typ == "" {
		return Envelope{}, false
	}
	seq, _ := strconv.Atoi(seqStr)
	return Envelope{Seq: seq, Type: EventType(typ), TeamID: teamID, Data: json.RawMessage(data)}, true
}

// Close shuts down the Redis connection.
func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
