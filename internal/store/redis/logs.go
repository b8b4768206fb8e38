package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// logMessage is published on a job's log channel for every append and once on completion.
// Seq is the zero-based list index of Line.
type logMessage struct {
	Seq  int64  `json:"seq"`
	Line string `json:"line,omitempty"`
	Done bool   `json:"done,omitempty"`
}

// DefaultRecheckInterval is how often a waiting Stream re-reads the list and
// completion flag in case pub/sub dropped a message.
const DefaultRecheckInterval = 2 * time.Second

// LogStore keeps each job log as a Redis list, a completion flag and a pub/sub channel.
type LogStore struct {
	rdb     *goredis.Client
	keys    Keys
	recheck time.Duration
}

// LogStoreOption configures a LogStore.
type LogStoreOption func(*LogStore)

// WithRecheckInterval sets how often Stream polls besides pub/sub.
func WithRecheckInterval(d time.Duration) LogStoreOption {
	return func(s *LogStore) {
		if d > 0 {
			s.recheck = d
		}
	}
}

// NewLogStore creates a Redis-backed log store.
func NewLogStore(rdb *goredis.Client, keys Keys, opts ...LogStoreOption) *LogStore {
	s := &LogStore{rdb: rdb, keys: keys, recheck: DefaultRecheckInterval}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LogStore) Register(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, s.keys.LogList(id), s.keys.LogComplete(id)).Err(); err != nil {
		return fmt.Errorf("register log %s: %w", id, err)
	}
	return nil
}

func (s *LogStore) Append(ctx context.Context, id, line string) error {
	n, err := s.rdb.RPush(ctx, s.keys.LogList(id), line).Result()
	if err != nil {
		return fmt.Errorf("append log %s: %w", id, err)
	}
	return s.publish(ctx, id, logMessage{Seq: n - 1, Line: line})
}

func (s *LogStore) MarkComplete(ctx context.Context, id string) error {
	if err := s.rdb.Set(ctx, s.keys.LogComplete(id), "1", 0).Err(); err != nil {
		return fmt.Errorf("complete log %s: %w", id, err)
	}
	return s.publish(ctx, id, logMessage{Done: true})
}

func (s *LogStore) Tail(ctx context.Context, id string) ([]string, error) {
	lines, err := s.rdb.LRange(ctx, s.keys.LogList(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("tail log %s: %w", id, err)
	}
	return lines, nil
}

// Stream subscribes before reading the backlog, so a line appended in between
// arrives both ways; sequence numbers drop the duplicate. A sequence gap
// (messages published out of order) is filled from the list. Slow subscribers
// can lose messages, so the list and flag are also polled every recheck.
func (s *LogStore) Stream(ctx context.Context, id string, startAt int) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		next := int64(max(startAt, 0))

		sub := s.rdb.Subscribe(ctx, s.keys.LogChannel(id))
		defer sub.Close()
		if _, err := sub.Receive(ctx); err != nil {
			yield("", fmt.Errorf("subscribe log %s: %w", id, err))
			return
		}
		msgs := sub.Channel()

		// catchUp yields every stored line from next onward.
		catchUp := func() bool {
			lines, err := s.rdb.LRange(ctx, s.keys.LogList(id), next, -1).Result()
			if err != nil {
				yield("", fmt.Errorf("read log %s: %w", id, err))
				return false
			}
			for _, line := range lines {
				next++
				if !yield(line, nil) {
					return false
				}
			}
			return true
		}

		// poll reads the flag before the list, so lines appended before
		// completion are all delivered.
		poll := func() (done bool) {
			complete, err := s.rdb.Exists(ctx, s.keys.LogComplete(id)).Result()
			if err != nil {
				yield("", fmt.Errorf("read log %s: %w", id, err))
				return true
			}
			return !catchUp() || complete > 0
		}

		if poll() {
			return
		}

		ticker := time.NewTicker(s.recheck)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			case <-ticker.C:
				if poll() {
					return
				}
			case raw, ok := <-msgs:
				if !ok {
					yield("", fmt.Errorf("log %s: subscription closed", id))
					return
				}
				var msg logMessage
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					continue
				}
				switch {
				case msg.Done:
					catchUp()
					return
				case msg.Seq < next:
					// Already delivered from the backlog.
				case msg.Seq > next:
					if !catchUp() {
						return
					}
				default:
					next++
					if !yield(msg.Line, nil) {
						return
					}
				}
			}
		}
	}
}

func (s *LogStore) publish(ctx context.Context, id string, msg logMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode log message: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.keys.LogChannel(id), payload).Err(); err != nil {
		return fmt.Errorf("publish log %s: %w", id, err)
	}
	return nil
}
